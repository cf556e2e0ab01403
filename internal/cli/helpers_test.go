package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/engine"
	"github.com/roach88/govexec/internal/session"
)

const transferCUE = `saga: transfer: {
	steps: [
		{
			id:                "reserve"
			type:              "state.put"
			compensation_type: "state.delete"
			input: {namespace: "holds", id: "h1", value: true}
		},
		{
			id:         "settle"
			type:       "state.put"
			depends_on: ["reserve"]
			input: {namespace: "ledger", id: "l1", value: {amount: 5}}
		},
	]
}

saga: transfer_broken: {
	steps: [
		{
			id:                "reserve"
			type:              "state.put"
			compensation_type: "state.delete"
			input: {namespace: "holds", id: "h1", value: true}
		},
		{
			id:    "settle"
			type:  "fail"
			input: {message: "ledger offline"}
		},
	]
}
`

// cliEnv is a config file backed by a SQLite database in a temp dir. Every
// run builds a fresh engine over the same database, the way separate CLI
// invocations do.
type cliEnv struct {
	t      *testing.T
	dir    string
	config string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	sagaDir := filepath.Join(dir, "sagas")
	require.NoError(t, os.MkdirAll(sagaDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sagaDir, "transfer.cue"), []byte(transferCUE), 0o644))

	cfg := fmt.Sprintf(`database:
  driver: sqlite
  dsn: %q
state:
  backend: database
logging:
  level: error
saga:
  definitions_dir: %q
  base_backoff: 1ms
  max_backoff: 1ms
capabilities:
  entries:
    - { intent_type: orders.echo, handler: echo }
    - { intent_type: payments.transfer, handler: "saga:transfer" }
    - { intent_type: payments.broken, handler: "saga:transfer_broken" }
policy:
  rules:
    - policy_id: order-limit
      match: "orders.*"
      expr: "intent.payload.total <= 100"
      reason: order too large
`, filepath.Join(dir, "govexec.db"), sagaDir)

	path := filepath.Join(dir, "govexec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return &cliEnv{t: t, dir: dir, config: path}
}

// run executes the root command with --config set and returns stdout.
func (e *cliEnv) run(args ...string) (string, error) {
	return e.runWithInput("", args...)
}

func (e *cliEnv) runWithInput(stdin string, args ...string) (string, error) {
	e.t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// rawResponse is CLIResponse with the data left undecoded.
type rawResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

func decodeResponse(t *testing.T, out string, data any) rawResponse {
	t.Helper()
	var resp rawResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	if data != nil {
		require.NoError(t, json.Unmarshal(resp.Data, data), "data: %s", resp.Data)
	}
	return resp
}

func (e *cliEnv) createSession(tenant, user string) session.Session {
	e.t.Helper()
	out, err := e.run("session", "create", "--tenant", tenant, "--user", user, "--format", "json")
	require.NoError(e.t, err)
	var s session.Session
	decodeResponse(e.t, out, &s)
	require.NotEmpty(e.t, s.SessionID)
	return s
}

func (e *cliEnv) writeIntent(name string, in map[string]any) string {
	e.t.Helper()
	data, err := json.Marshal(in)
	require.NoError(e.t, err)
	path := filepath.Join(e.dir, name)
	require.NoError(e.t, os.WriteFile(path, data, 0o644))
	return path
}

// submit submits an intent of the given type in s and decodes the result.
func (e *cliEnv) submit(s session.Session, intentType string, payload map[string]any) (engine.Result, rawResponse, error) {
	e.t.Helper()
	path := e.writeIntent(intentType+".json", map[string]any{
		"intent_type": intentType,
		"tenant_id":   s.TenantID,
		"session_id":  s.SessionID,
		"payload":     payload,
	})
	out, err := e.run("submit", path, "--format", "json")
	var res engine.Result
	resp := decodeResponse(e.t, out, &res)
	return res, resp, err
}
