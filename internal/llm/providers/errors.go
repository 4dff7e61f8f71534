package providers

import (
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/openai/openai-go"
	"github.com/revrost/go-openrouter"
	"github.com/zentech/yunzhi/internal/llm"
	"google.golang.org/genai"
)

// statusError wraps an SDK failure that carries an HTTP status in
// llm.RetryableError. Other errors are returned unchanged.
func statusError(err error) error {
	if err == nil {
		return nil
	}

	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return llm.NewRetryableError(err, openaiErr.StatusCode, retryHeaders(openaiErr.Response))
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return llm.NewRetryableError(err, anthropicErr.StatusCode, retryHeaders(anthropicErr.Response))
	}
	var geminiErr genai.APIError
	if errors.As(err, &geminiErr) {
		return llm.NewRetryableError(err, geminiErr.Code, nil)
	}
	var routerErr *openrouter.APIError
	if errors.As(err, &routerErr) {
		return llm.NewRetryableError(err, routerErr.HTTPStatusCode, nil)
	}
	var routerReqErr *openrouter.RequestError
	if errors.As(err, &routerReqErr) {
		return llm.NewRetryableError(err, routerReqErr.HTTPStatusCode, nil)
	}
	var awsErr *awshttp.ResponseError
	if errors.As(err, &awsErr) {
		return llm.NewRetryableError(err, awsErr.HTTPStatusCode(), nil)
	}
	return err
}

func retryHeaders(resp *http.Response) map[string]string {
	if resp == nil {
		return nil
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		return map[string]string{"retry-after": v}
	}
	return nil
}
