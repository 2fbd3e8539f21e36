package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/auth"
)

const validThesis = `id: lean
name: Lean review
threshold: 50
categories:
  - name: market
    weight: 60
    critical: true
    penalty: 0.2
    queries: ["{company} market"]
  - name: team
    weight: 40
    queries: ["{company} founders"]
`

const badWeights = `id: broken
threshold: 50
categories:
  - name: market
    weight: 70
  - name: team
    weight: 20
`

func testCmd() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	return cmd, &out
}

func TestThesisValidate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lean.yaml"), []byte(validThesis), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	cmd, out := testCmd()
	require.NoError(t, runThesisValidate(cmd, []string{dir}))
	assert.Contains(t, out.String(), "ok    "+filepath.Join(dir, "lean.yaml")+" (lean, 2 categories, threshold 50)")
	assert.NotContains(t, out.String(), "notes.txt")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte(badWeights), 0o644))
	cmd, out = testCmd()
	err := runThesisValidate(cmd, []string{dir})
	require.Error(t, err)
	assert.Equal(t, "1 of 2 thesis files invalid", err.Error())
	assert.Contains(t, out.String(), "FAIL  "+filepath.Join(dir, "broken.yml"))
}

func TestThesisValidateEmptyDir(t *testing.T) {
	cmd, _ := testCmd()
	assert.Error(t, runThesisValidate(cmd, []string{t.TempDir()}))
}

func TestThesisList(t *testing.T) {
	cmd, out := testCmd()
	require.NoError(t, runThesisList(cmd, nil))
	assert.Contains(t, out.String(), "general")
	assert.Contains(t, out.String(), "buy-and-build")
}

func TestConfigPatch(t *testing.T) {
	assert.Nil(t, configPatch(nil))
	assert.Equal(t, map[string]interface{}{
		"stage_max_retries": float64(3),
		"stage_timeout":     "90s",
	}, configPatch(map[string]string{"stage_max_retries": "3", "stage_timeout": "90s"}))
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		if body["type"] == "resume" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"conflict error: execution is not paused","ledger_ref":"iv-1"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"iv-2","accepted":true}`))
	}))
	defer srv.Close()

	body, err := postJSON(context.Background(), srv.URL, "tok", map[string]string{"type": "pause"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"iv-2","accepted":true}`, string(body))

	_, err = postJSON(context.Background(), srv.URL, "tok", map[string]string{"type": "resume"})
	require.Error(t, err)
	assert.Equal(t, "409 Conflict: conflict error: execution is not paused [ref iv-1]", err.Error())
}

func TestToken(t *testing.T) {
	tokenFlags.secret = "s3cret"
	tokenFlags.issuer = "diligence"
	tokenFlags.subject = "analyst"
	tokenFlags.role = auth.RoleViewer
	tokenFlags.ttl = 0
	t.Cleanup(func() { tokenFlags.secret, tokenFlags.subject = "", "" })

	cmd, out := testCmd()
	require.NoError(t, runToken(cmd, nil))

	op, err := auth.NewJWTManager("s3cret", "diligence", 0).Validate(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "analyst", op.Subject)
	assert.Equal(t, auth.RoleViewer, op.Role)
	assert.True(t, op.HasScope(auth.ScopeExecutionsRead))
	assert.False(t, op.HasScope(auth.ScopeExecutionsWrite))

	tokenFlags.role = "root"
	cmd, _ = testCmd()
	assert.Error(t, runToken(cmd, nil))
}
