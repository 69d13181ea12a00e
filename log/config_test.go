/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-quotaguard/config"
)

func TestConfig(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    func(c *Config)
		wantErr string
	}{
		{
			name: "defaults",
			data: "log: {}",
			want: func(c *Config) {
				c.Level = LevelInfo
				c.Format = FormatJSON
				c.Output = OutputStdout
				c.File.Rotation.MaxSize = DefaultFileRotationMaxSizeBytes
				c.File.Rotation.MaxBackups = DefaultFileRotationMaxBackups
			},
		},
		{
			name: "file output with rotation",
			data: `
log:
  level: DEBUG
  format: text
  output: file
  nocolor: true
  file:
    path: /var/log/quotaguard.log
    rotation:
      maxSize: 10M
      maxBackups: 3
      compress: true
`,
			want: func(c *Config) {
				c.Level = LevelDebug
				c.Format = FormatText
				c.Output = OutputFile
				c.NoColor = true
				c.File.Path = "/var/log/quotaguard.log"
				c.File.Rotation.MaxSize = 10 * 1024 * 1024
				c.File.Rotation.MaxBackups = 3
				c.File.Rotation.Compress = true
			},
		},
		{
			name:    "unknown level",
			data:    "log: {level: trace}",
			wantErr: "log.level",
		},
		{
			name:    "file output without path",
			data:    "log: {output: file}",
			wantErr: "log.file.path",
		},
		{
			name:    "too small rotation size",
			data:    "log: {file: {rotation: {maxSize: 1024}}}",
			wantErr: "log.file.rotation.maxSize",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(tt.data), config.DataTypeYAML, cfg)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			want := NewConfig()
			tt.want(want)
			require.Equal(t, want, cfg)
		})
	}
}

func TestNewDefaultConfig(t *testing.T) {
	logger, closeFn := NewLogger(NewDefaultConfig())
	defer closeFn()
	require.NotNil(t, logger)
	logger.With(String("component", "test")).Debug("not written at info level")
}
