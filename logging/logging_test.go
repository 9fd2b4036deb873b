package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/logging"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := logging.NewWithOutput("debug", "json", &buf)
	require.NoError(t, err)

	l.WithField("store_id", "store-a").Debug("points earned")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "points earned", entry["msg"])
	assert.Equal(t, "store-a", entry["store_id"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := logging.NewWithOutput("warn", "text", &buf)
	require.NoError(t, err)

	l.Info("hidden")
	assert.Empty(t, buf.String())
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())
}

func TestNew_Rejects(t *testing.T) {
	_, err := logging.New("loud", "text")
	assert.Error(t, err)

	_, err = logging.New("info", "xml")
	assert.Error(t, err)
}
