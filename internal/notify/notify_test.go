package notify_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentvault/internal/notify"
)

func TestWebhookNotify(t *testing.T) {
	tests := map[string]struct {
		format     notify.WebhookFormat
		msg        string
		statusCode int
		expPayload map[string]string
		expErr     bool
	}{
		"slack format should send the text field": {
			format:     notify.WebhookFormatSlack,
			msg:        "process worker restarted",
			statusCode: http.StatusOK,
			expPayload: map[string]string{"text": "process worker restarted"},
		},
		"discord format should send the content field": {
			format:     notify.WebhookFormatDiscord,
			msg:        "process worker restarted",
			statusCode: http.StatusNoContent,
			expPayload: map[string]string{"content": "process worker restarted"},
		},
		"discord format should truncate long messages": {
			format:     notify.WebhookFormatDiscord,
			msg:        strings.Repeat("a", 2100),
			statusCode: http.StatusNoContent,
			expPayload: map[string]string{"content": strings.Repeat("a", 1997) + "..."},
		},
		"an error status code should fail": {
			format:     notify.WebhookFormatSlack,
			msg:        "test",
			statusCode: http.StatusInternalServerError,
			expPayload: map[string]string{"text": "test"},
			expErr:     true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			var gotPayload map[string]string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(http.MethodPost, r.Method)
				assert.Equal("application/json", r.Header.Get("Content-Type"))
				assert.NoError(json.NewDecoder(r.Body).Decode(&gotPayload))
				w.WriteHeader(test.statusCode)
			}))
			defer srv.Close()

			n, err := notify.NewWebhook(notify.WebhookConfig{URL: srv.URL, Format: test.format})
			require.NoError(err)

			err = n.Notify(context.Background(), test.msg)
			if test.expErr {
				assert.Error(err)
			} else {
				assert.NoError(err)
			}
			assert.Equal(test.expPayload, gotPayload)
		})
	}
}

func TestNewWebhookInvalid(t *testing.T) {
	_, err := notify.NewWebhook(notify.WebhookConfig{})
	assert.Error(t, err)

	_, err = notify.NewWebhook(notify.WebhookConfig{URL: "http://localhost", Format: "irc"})
	assert.Error(t, err)
}

func TestMultiCallsAllNotifiers(t *testing.T) {
	var got []string
	ok := notify.NotifierFunc(func(_ context.Context, msg string) error {
		got = append(got, "ok:"+msg)
		return nil
	})
	failing := notify.NotifierFunc(func(_ context.Context, msg string) error {
		got = append(got, "failing:"+msg)
		return fmt.Errorf("boom")
	})

	err := notify.Multi(failing, ok, notify.Noop).Notify(context.Background(), "hi")

	assert.Error(t, err)
	assert.Equal(t, []string{"failing:hi", "ok:hi"}, got)
}
