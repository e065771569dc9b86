package backup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/pkg/logger"
)

func TestNewClient_RejectsIncompleteCredentials(t *testing.T) {
	cases := []struct {
		name            string
		accessKeyID     string
		secretAccessKey string
		bucket          string
	}{
		{"missing access key", "", "secret", "bucket"},
		{"missing secret key", "key", "", "bucket"},
		{"missing bucket", "key", "secret", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClient("account", tc.accessKeyID, tc.secretAccessKey, tc.bucket, logger.NewNop())
			require.Error(t, err)
		})
	}
}

func TestNewClient_ValidCredentialsSucceed(t *testing.T) {
	c, err := NewClient("account", "key", "secret", "bucket", logger.NewNop())
	require.NoError(t, err)
	require.NotNil(t, c)
}
