package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextHandler_AddsContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewContextHandler(slog.NewTextHandler(&buf, HandlerOptions(false))))

	ctx := Ctx(context.Background(), slog.String("loop", "catalog"))
	l.InfoContext(ctx, "scraped batch", "count", 30)

	assert.Contains(t, buf.String(), "loop=catalog")
	assert.Contains(t, buf.String(), "count=30")
}

func TestCtx_SiblingsDoNotShareAttrs(t *testing.T) {
	base := Ctx(context.Background(), slog.String("loop", "cotd"))
	a := Ctx(base, slog.String("state", "active"))
	b := Ctx(base, slog.String("state", "cooldown"))

	aAttrs := a.Value(attrKey).([]slog.Attr)
	bAttrs := b.Value(attrKey).([]slog.Attr)
	assert.Equal(t, "active", aAttrs[1].Value.String())
	assert.Equal(t, "cooldown", bAttrs[1].Value.String())
}

func TestHandlerOptions_Redaction(t *testing.T) {
	tests := []struct {
		name    string
		debug   bool
		visible bool
	}{
		{name: "redacted outside debug", debug: false, visible: false},
		{name: "visible in debug", debug: true, visible: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := slog.New(slog.NewTextHandler(&buf, HandlerOptions(tt.debug)))

			l.Info("authenticated", "audience", "NadeoLiveServices", "access_token", "eyJhbGciOi")

			assert.Contains(t, buf.String(), "audience=NadeoLiveServices")
			if tt.visible {
				assert.Contains(t, buf.String(), "eyJhbGciOi")
			} else {
				assert.NotContains(t, buf.String(), "eyJhbGciOi")
				assert.Contains(t, buf.String(), redacted)
			}
		})
	}
}
