package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iniwex5/sad-go/pkg/config"
	"github.com/iniwex5/sad-go/pkg/sad"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		configFile = ""
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sadd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, `
sas:
  - sad_id: 1
    spi: 256
    crypto: aes-cbc-128
    crypto_key: "00112233445566778899aabbccddeeff"
    integ: sha-256-128
    integ_key: "0000000000000000000000000000000000000000000000000000000000000000"
    anti_replay: true
`)
	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")
	assert.Contains(t, out, "1 SA(s) valid")
}

func TestValidateCommandReportsErrors(t *testing.T) {
	path := writeConfig(t, `
sad:
  replay_window: 100
sas:
  - sad_id: 1
    spi: 256
    crypto: aes-gcm-128
    crypto_key: "0011"
`)
	out, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 个错误")
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "replay_window")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sadd version dev")
}

func statusCode(t *testing.T, h http.Handler, path string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

// TestHTTPHandler 状态接口与指标各自独立开关
func TestHTTPHandler(t *testing.T) {
	db := sad.New(sad.WithLogger(zap.NewNop()))
	t.Cleanup(func() { db.Close(time.Second) })

	mk := func(statusOn, metricsOn bool) *config.Config {
		return &config.Config{
			Status:  config.StatusConfig{Enabled: statusOn, Listen: ":0"},
			Metrics: config.MetricsConfig{Enabled: metricsOn, Path: "/metrics"},
		}
	}

	t.Run("status without metrics", func(t *testing.T) {
		h, closeFn := httpHandler(mk(true, false), db)
		defer closeFn()
		require.NotNil(t, h)
		assert.Equal(t, http.StatusOK, statusCode(t, h, "/health"))
		assert.Equal(t, http.StatusOK, statusCode(t, h, "/sas"))
		assert.Equal(t, http.StatusNotFound, statusCode(t, h, "/metrics"))
	})
	t.Run("metrics without status", func(t *testing.T) {
		h, closeFn := httpHandler(mk(false, true), db)
		defer closeFn()
		require.NotNil(t, h)
		assert.Equal(t, http.StatusOK, statusCode(t, h, "/metrics"))
		assert.Equal(t, http.StatusNotFound, statusCode(t, h, "/sas"))
	})
	t.Run("both", func(t *testing.T) {
		h, closeFn := httpHandler(mk(true, true), db)
		defer closeFn()
		assert.Equal(t, http.StatusOK, statusCode(t, h, "/sas"))
		assert.Equal(t, http.StatusOK, statusCode(t, h, "/metrics"))
	})
	t.Run("neither", func(t *testing.T) {
		h, closeFn := httpHandler(mk(false, false), db)
		defer closeFn()
		assert.Nil(t, h)
	})
	assert.Zero(t, db.Domain().Pending())
}
