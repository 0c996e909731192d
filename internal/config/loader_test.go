package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstNonEmpty(t *testing.T) {
	require.Equal(t, "foo", firstNonEmpty("", "foo", "bar"))
	require.Equal(t, "", firstNonEmpty())
}

func TestParseInt(t *testing.T) {
	n, err := parseInt("42")
	require.NoError(t, err)
	require.Equal(t, 42, n)

	_, err = parseInt("notanint")
	require.Error(t, err)
}

func TestIntFromEnv(t *testing.T) {
	key := "LLMCOUNCIL_TEST_INT_FROM_ENV"
	old, had := os.LookupEnv(key)
	defer func() {
		if had {
			_ = os.Setenv(key, old)
		} else {
			_ = os.Unsetenv(key)
		}
	}()

	_ = os.Unsetenv(key)
	require.Equal(t, 7, intFromEnv(key, 7))

	_ = os.Setenv(key, "123")
	require.Equal(t, 123, intFromEnv(key, 7))
}

func TestBoolFromEnv(t *testing.T) {
	key := "LLMCOUNCIL_TEST_BOOL_FROM_ENV"
	old, had := os.LookupEnv(key)
	defer func() {
		if had {
			_ = os.Setenv(key, old)
		} else {
			_ = os.Unsetenv(key)
		}
	}()

	_ = os.Unsetenv(key)
	require.False(t, boolFromEnv(key, false))

	_ = os.Setenv(key, "true")
	require.True(t, boolFromEnv(key, false))
}

func TestParseCommaSeparatedList(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, parseCommaSeparatedList("a, b,  c"))
	require.Empty(t, parseCommaSeparatedList(""))
}
