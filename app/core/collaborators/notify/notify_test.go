package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestLinePushSendsTextMessage(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/bot/message/push", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	line := NewLine(LineConfig{Token: "tok", APIRoot: server.URL})
	require.NoError(t, line.Push(context.Background(), "U123", "3 orders"))

	assert.Equal(t, "U123", gjson.GetBytes(body, "to").String())
	assert.Equal(t, "text", gjson.GetBytes(body, "messages.0.type").String())
	assert.Equal(t, "3 orders", gjson.GetBytes(body, "messages.0.text").String())
}

func TestLinePushSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"The request body has 1 error(s)","details":[{"message":"must be specified","property":"to"}]}`))
	}))
	defer server.Close()

	err := NewLine(LineConfig{Token: "tok", APIRoot: server.URL}).Push(context.Background(), "U1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=400")
	assert.Contains(t, err.Error(), "must be specified")
}

func TestLinePushValidatesInput(t *testing.T) {
	assert.Error(t, NewLine(LineConfig{}).Push(context.Background(), "U1", "hi"))
	assert.Error(t, NewLine(LineConfig{Token: "tok"}).Push(context.Background(), " ", "hi"))
}

func TestLinePushTruncatesLongText(t *testing.T) {
	var text string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		text = gjson.GetBytes(b, "messages.0.text").String()
	}))
	defer server.Close()

	long := strings.Repeat("茶", maxLineText+10)
	require.NoError(t, NewLine(LineConfig{Token: "tok", APIRoot: server.URL}).Push(context.Background(), "U1", long))
	assert.Equal(t, maxLineText, len([]rune(text)))
}

func TestSMTPMessage(t *testing.T) {
	s := NewSMTP(SMTPConfig{Host: "smtp.example.com", Username: "bot@example.com"})

	msg, err := s.message([]string{" a@example.com ", "", "b@example.com"}, "Order summary", "<p>hi</p>")
	require.NoError(t, err)
	assert.Equal(t, []string{"<a@example.com>", "<b@example.com>"}, msg.GetToString())
	assert.Equal(t, []string{"<bot@example.com>"}, msg.GetFromString())

	_, err = s.message([]string{" "}, "x", "y")
	assert.Error(t, err)
	_, err = s.message([]string{"not an address"}, "x", "y")
	assert.Error(t, err)
}

func TestSMTPRequiresHost(t *testing.T) {
	err := NewSMTP(SMTPConfig{}).Email(context.Background(), []string{"a@example.com"}, "s", "b")
	assert.Error(t, err)
}

type recordingPusher struct{ targets []string }

func (p *recordingPusher) Push(_ context.Context, target string, _ string) error {
	p.targets = append(p.targets, target)
	return nil
}

func TestNotifierDisabledChannels(t *testing.T) {
	pusher := &recordingPusher{}
	n := New(pusher, nil)

	require.NoError(t, n.Push(context.Background(), "U1", "hi"))
	assert.Equal(t, []string{"U1"}, pusher.targets)
	assert.True(t, errors.Is(n.Email(context.Background(), []string{"a@example.com"}, "s", "b"), ErrDisabled))
	assert.True(t, errors.Is(New(nil, nil).Push(context.Background(), "U1", "hi"), ErrDisabled))
}
