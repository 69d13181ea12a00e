/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package profserver

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
		want    *Config
		wantErr string
	}{
		{
			name: "defaults",
			data: "",
			want: NewDefaultConfig(),
		},
		{
			name: "enabled",
			data: "profserver: {enabled: true, address: 0.0.0.0:6060}",
			want: &Config{keyPrefix: cfgDefaultKeyPrefix, Enabled: true, Address: "0.0.0.0:6060"},
		},
		{
			name:    "enabled without address",
			data:    `profserver: {enabled: true, address: ""}`,
			wantErr: "profserver.address",
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
			require.Equal(t, tt.want, cfg)
		})
	}
}
