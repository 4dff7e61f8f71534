package main

import "github.com/zentech/yunzhi/cmd/yunzhi/cmd"

func main() {
	cmd.Execute()
}
