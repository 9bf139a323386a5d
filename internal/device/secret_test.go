package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifySecret(t *testing.T) {
	hash, err := HashSecret("correct horse")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$v=19$m=65536,t=3,p=1$")

	ok, err := VerifySecret("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySecret("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := HashSecret("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salt must differ")

	_, err = HashSecret("")
	assert.Error(t, err)
}

func TestVerifySecret_InvalidHash(t *testing.T) {
	for _, h := range []string{
		"",
		"plain",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=18$m=1,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$bogus$c2FsdA$a2V5",
		"$argon2id$v=19$m=1,t=1,p=1$!!!$a2V5",
	} {
		_, err := VerifySecret("x", h)
		assert.ErrorIs(t, err, ErrInvalidSecretHash, h)
	}
}

type fakeLookup map[string]string

func (f fakeLookup) SecretHash(_ context.Context, id string) (string, error) {
	if id == "broken" {
		return "", errors.New("disk on fire")
	}
	h, ok := f[id]
	if !ok {
		return "", ErrDeviceNotFound
	}
	return h, nil
}

func TestSecretVerifier(t *testing.T) {
	hash, err := HashSecret("s3cret")
	require.NoError(t, err)

	v := NewSecretVerifier(fakeLookup{"d1": hash, "nosecret": ""})
	ctx := context.Background()

	tests := []struct {
		name    string
		id      string
		secret  string
		want    bool
		wantErr bool
	}{
		{"match", "d1", "s3cret", true, false},
		{"wrong secret", "d1", "nope", false, false},
		{"empty secret", "d1", "", false, false},
		{"unknown device", "ghost", "s3cret", false, false},
		{"no stored secret", "nosecret", "anything", false, false},
		{"lookup failure", "broken", "s3cret", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := v.Verify(ctx, tt.id, tt.secret)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}
