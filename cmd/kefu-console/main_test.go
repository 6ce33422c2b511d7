package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/kefu-console/realtime/config"
	"github.com/kefu-console/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestFormatNotification(t *testing.T) {
	now := time.Date(2023, 11, 14, 22, 20, 20, 0, time.UTC)
	n := types.Notification{
		Kind:           types.KindMessageCreated,
		ConversationID: 42,
		OccurredAt:     now.Add(-7 * time.Minute),
		Payload:        &types.MessagePayload{ID: 7, Content: "hi", Direction: types.FromGuest},
	}

	line := formatNotification(n, now)
	assert.True(t, strings.HasPrefix(line, "message_created"))
	assert.Contains(t, line, "conv=42")
	assert.Contains(t, line, "7 minutes ago")
	assert.Contains(t, line, "[fromGuest] hi")

	line = formatNotification(types.Notification{Kind: types.KindConversationResolved, ConversationID: 3}, now)
	assert.Contains(t, line, "conv=3")
	assert.NotContains(t, line, "[")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"message":"shown"`)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	buf.Reset()
	logger = newLogger(config.LogConfig{Level: "bogus", Format: "text"}, &buf)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
	logger.Info().Msg("console line")
	assert.Contains(t, buf.String(), "console line")
	assert.NotContains(t, buf.String(), `"message"`)
}
