package codeexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
)

// RunOutcome is the raw result of one sandbox execution.
type RunOutcome struct {
	Output json.RawMessage
	Logs   []string
	// Failure is set when user code threw; Output is empty then.
	Failure *RunFailure
}

// RunFailure describes an uncaught error inside the sandbox.
type RunFailure struct {
	Message string
	Stack   string
}

// Sandbox executes an artifact's entry point against a payload. Every
// call gets a fresh environment; no state survives between calls.
type Sandbox interface {
	Run(ctx context.Context, code []byte, entryPoint string, payload json.RawMessage) (*RunOutcome, error)
}

// NodeSandbox runs code in a fresh node subprocess per call. Process
// isolation gives the fresh-environment guarantee directly.
type NodeSandbox struct {
	// Command is the node binary, "node" by default.
	Command string
}

// NewNodeSandbox creates a sandbox using the node binary on PATH.
func NewNodeSandbox() *NodeSandbox {
	return &NodeSandbox{Command: "node"}
}

// harness wraps the artifact, invokes the entry point, and writes a
// single JSON envelope to stdout. Console output is captured so logs
// never corrupt the envelope.
const nodeHarness = `
const chunks = [];
process.stdin.on("data", (c) => chunks.push(c));
process.stdin.on("end", () => main(JSON.parse(Buffer.concat(chunks).toString("utf8"))));
const logs = [];
for (const level of ["log", "info", "warn", "error"]) {
	console[level] = (...args) => logs.push(args.map(a => typeof a === "string" ? a : JSON.stringify(a)).join(" "));
}
const emit = (envelope) => process.stdout.write("\n__RESULT__" + JSON.stringify(envelope));
async function main(input) {
	try {
		const module = {exports: {}};
		const exports = module.exports;
		const fn = new Function("module", "exports", input.code);
		fn(module, exports);
		const entry = module.exports[input.entryPoint] || exports[input.entryPoint] || module.exports.default;
		if (typeof entry !== "function") {
			throw new Error("entry point '" + input.entryPoint + "' is not a function");
		}
		const output = await entry(input.payload);
		emit({ok: true, output: output === undefined ? null : output, logs});
	} catch (err) {
		emit({ok: false, error: {message: String(err && err.message || err), stack: String(err && err.stack || "")}, logs});
	}
}
`

type harnessInput struct {
	Code       string          `json:"code"`
	EntryPoint string          `json:"entryPoint"`
	Payload    json.RawMessage `json:"payload"`
}

type harnessEnvelope struct {
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output"`
	Logs   []string        `json:"logs"`
	Error  *struct {
		Message string `json:"message"`
		Stack   string `json:"stack"`
	} `json:"error"`
}

// Run executes the entry point and returns its output or failure.
// Context expiry kills the subprocess.
func (s *NodeSandbox) Run(ctx context.Context, code []byte, entryPoint string, payload json.RawMessage) (*RunOutcome, error) {
	if entryPoint == "" {
		entryPoint = "handler"
	}
	if payload == nil {
		payload = json.RawMessage("null")
	}

	arg, err := json.Marshal(harnessInput{
		Code:       string(code),
		EntryPoint: entryPoint,
		Payload:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sandbox input: %w", err)
	}

	command := s.Command
	if command == "" {
		command = "node"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command, "-e", nodeHarness)
	cmd.Stdin = bytes.NewReader(arg)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	envelope, ok := extractEnvelope(stdout.Bytes())
	if !ok {
		if runErr != nil {
			return nil, fmt.Errorf("sandbox process failed: %w: %s", runErr, stderr.String())
		}
		return nil, errors.New("sandbox produced no result envelope")
	}

	outcome := &RunOutcome{Logs: envelope.Logs}
	if envelope.OK {
		outcome.Output = envelope.Output
		return outcome, nil
	}
	outcome.Failure = &RunFailure{}
	if envelope.Error != nil {
		outcome.Failure.Message = envelope.Error.Message
		outcome.Failure.Stack = envelope.Error.Stack
	}
	return outcome, nil
}

const envelopeMarker = "\n__RESULT__"

func extractEnvelope(stdout []byte) (*harnessEnvelope, bool) {
	idx := bytes.LastIndex(stdout, []byte(envelopeMarker))
	if idx < 0 {
		return nil, false
	}
	var envelope harnessEnvelope
	if err := json.Unmarshal(stdout[idx+len(envelopeMarker):], &envelope); err != nil {
		return nil, false
	}
	return &envelope, true
}
