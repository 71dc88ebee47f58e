package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHealth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer ts.Close()

	out, err := execute(t, "health", "--server", ts.URL+"/")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
}

func TestHealth_Unavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
	}))
	defer ts.Close()

	_, err := execute(t, "health", "--server", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCommandArgs(t *testing.T) {
	_, err := execute(t, "questions", "generate")
	assert.Error(t, err)

	_, err = execute(t, "policy", "generate", "a", "b")
	assert.Error(t, err)

	_, err = execute(t, "extract", "   ")
	assert.Error(t, err, "blank thread id is rejected before any service starts")

	t.Setenv("IDOBATA_ADMIN_PASSWORD", "")
	_, err = execute(t, "admin", "init", "--email", "admin@example.jp")
	assert.ErrorContains(t, err, "password")
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"admin", "init"},
		{"questions", "generate"},
		{"policy", "generate"},
		{"extract"},
		{"llm", "test"},
		{"worker"},
		{"health"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
