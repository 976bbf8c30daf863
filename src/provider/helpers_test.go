package provider

import (
	"github.com/sashabaranov/go-openai"
)

func apiError(status int) error {
	return &openai.APIError{HTTPStatusCode: status, Message: "test"}
}
