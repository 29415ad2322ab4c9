package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerRenamesKeysAndMasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := newLogger("portald", "test", Options{}, &buf)
	defer slog.SetDefault(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	logger.Info("wallet unlocked", slog.String("passphrase", "hunter2"), slog.String("address", "0xabc"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "wallet unlocked", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "portald", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, RedactedValue, line["passphrase"])
	require.Equal(t, "0xabc", line["address"])
	require.Contains(t, line, "timestamp")
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("Private_Key", "abcd").Value.String())
	require.Equal(t, "", MaskField("passphrase", "").Value.String())
	require.Equal(t, "stake", MaskField("kind", "stake").Value.String())
	require.Contains(t, SensitiveKeys(), "raw_tx")
}

func TestRedactWalksGroups(t *testing.T) {
	attr := Redact(slog.Group("wallet", slog.String("raw_tx", "0xf86c"), slog.String("mode", "keystore")))
	group := attr.Value.Group()
	require.Len(t, group, 2)
	require.Equal(t, RedactedValue, group[0].Value.String())
	require.Equal(t, "keystore", group[1].Value.String())
}
