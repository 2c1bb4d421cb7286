package llm

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/require"
)

func TestRetryableResponse(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"cancelled context", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"throttled", &openai.Error{StatusCode: 429}, true},
		{"request timeout", &openai.Error{StatusCode: 408}, true},
		{"server error", &openai.Error{StatusCode: 500}, true},
		{"bad gateway", &openai.Error{StatusCode: 502}, true},
		{"unauthorized", &openai.Error{StatusCode: 401}, false},
		{"bad request", &openai.Error{StatusCode: 400}, false},
		{"socket fault", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, retryableResponse(tt.err))
		})
	}
}

func TestCompleteRejectsEmptyPrompt(t *testing.T) {
	client, err := NewClient(&Config{APIKey: "sk-test", MaxRetries: 1})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), "   ")
	require.Error(t, err)
}

func TestRenderFieldsSorted(t *testing.T) {
	out := renderFields(Fields{"z": 1, "a": "x", "m": true})
	require.Equal(t, " a=x m=true z=1", out)
	require.Empty(t, renderFields(nil))
}
