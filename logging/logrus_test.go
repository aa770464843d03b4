package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogrusFields(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	log := NewLogrus(logger)

	log.Info("delivery sent", "integration", "slack", "attempts", 1)
	log.Error("delivery update failed", "err", errors.New("boom"), "record_id", "r1")
	log.Debug("odd", "integration")

	require.Len(t, hook.AllEntries(), 3)

	sent := hook.AllEntries()[0]
	assert.Equal(t, logrus.InfoLevel, sent.Level)
	assert.Equal(t, "delivery sent", sent.Message)
	assert.Equal(t, logrus.Fields{"integration": "slack", "attempts": 1}, sent.Data)

	failed := hook.AllEntries()[1]
	assert.Equal(t, logrus.ErrorLevel, failed.Level)
	assert.Equal(t, "boom", failed.Data[logrus.ErrorKey])
	assert.Equal(t, "r1", failed.Data["record_id"])

	assert.Equal(t, "integration", hook.LastEntry().Data["!BADKEY"])
}

func TestLogrusRespectsLevel(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.WarnLevel)
	log := NewLogrus(logger)

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown", "integration", "notion")

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestNewWithOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(&buf, "debug", "json")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	NewLogrus(logger).Info("hello", "integration", "email")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "email", line["integration"])

	_, err = NewWithOutput(&buf, "loud", "json")
	require.Error(t, err)
	_, err = NewWithOutput(&buf, "info", "xml")
	require.Error(t, err)

	logger, err = NewWithOutput(&buf, "", "text")
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
