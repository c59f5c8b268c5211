package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAccessToken(t *testing.T) {
	at, err := NewAccessToken("secret", "nurse-1", "nurse", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), at.Exp, 5*time.Second)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(at.Token, claims, func(*jwt.Token) (interface{}, error) { return []byte("secret"), nil })
	require.NoError(t, err)
	assert.Equal(t, "nurse-1", claims["sub"])
	assert.Equal(t, "NURSE", claims["role"])
}

func TestNewAccessTokenRejectsEmptyInput(t *testing.T) {
	_, err := NewAccessToken("", "u", "ADMIN", time.Hour)
	assert.Error(t, err)
	_, err = NewAccessToken("s", "", "ADMIN", time.Hour)
	assert.Error(t, err)
}
