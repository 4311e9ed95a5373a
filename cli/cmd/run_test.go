package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/daybreak/history"
	"github.com/pithecene-io/daybreak/persona"
	"github.com/pithecene-io/daybreak/pipeline"
	"github.com/pithecene-io/daybreak/storage"
	"github.com/pithecene-io/daybreak/types"
	"github.com/pithecene-io/daybreak/world"
)

// testCLI runs commands against one fs store shared across invocations.
type testCLI struct {
	t        *testing.T
	dir      string
	env      *Env
	personas *persona.Scripted
	config   string
}

func newTestCLI(t *testing.T) *testCLI {
	t.Helper()
	personas := persona.NewScripted()
	return &testCLI{
		t:        t,
		dir:      t.TempDir(),
		env:      &Env{Invoker: personas},
		personas: personas,
	}
}

// run executes one command and returns its exit code and stdout.
func (tc *testCLI) run(args ...string) (int, string) {
	tc.t.Helper()
	var out, errOut bytes.Buffer
	app := NewApp("test", tc.env)
	app.Writer = &out
	app.ErrWriter = &errOut
	app.ExitErrHandler = func(*cli.Context, error) {} // suppress os.Exit

	argv := []string{"daybreak", "--store-path", filepath.Join(tc.dir, "store")}
	if tc.config != "" {
		argv = append(argv, "--config", tc.config)
	}
	err := app.Run(append(argv, args...))
	return exitOf(err), out.String()
}

func (tc *testCLI) writeFile(name, content string) string {
	tc.t.Helper()
	path := filepath.Join(tc.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tc.t.Fatal(err)
	}
	return path
}

func (tc *testCLI) scriptNewGame() {
	tc.personas.
		Set("worldbuilder", persona.Reply{Body: map[string]any{
			"protagonist": "Mara",
			"characters":  map[string]any{"Ilsa": map[string]any{"role": "smith"}},
			"facts":       []any{map[string]any{"text": "The well is dry.", "owner": "Ilsa"}},
		}}).
		Set("relationships", persona.Reply{Body: map[string]any{
			"updates": map[string]any{"Mara+Ilsa": map[string]any{"trust": 1}},
		}}).
		Set("planner", persona.Reply{Body: map[string]any{"plan": map[string]any{"focus": "find water"}}})
}

func (tc *testCLI) status(args ...string) pipeline.Status {
	tc.t.Helper()
	code, out := tc.run(append([]string{"status", "--format", "json"}, args...)...)
	if code != 0 {
		tc.t.Fatalf("status exit = %d: %s", code, out)
	}
	var st pipeline.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		tc.t.Fatalf("decode status: %v\n%s", err, out)
	}
	return st
}

func exitOf(err error) int {
	if err == nil {
		return 0
	}
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

func TestRun_NewGameCompletesOnce(t *testing.T) {
	tc := newTestCLI(t)
	tc.scriptNewGame()
	premise := tc.writeFile("premise.txt", "A drought village.")

	code, out := tc.run("run", "-p", "new-game", "-s", "s-1", "--premise-file", premise)
	if code != exitCompleted {
		t.Fatalf("exit = %d\n%s", code, out)
	}
	for _, want := range []string{"s-1/new-game/new-game", "outcome:  completed", "commit_world(4)"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	code, _ = tc.run("run", "-p", "new-game", "-s", "s-1", "-q")
	if code != exitCompleted {
		t.Errorf("second run exit = %d", code)
	}
	if n := tc.personas.CallCount("worldbuilder"); n != 1 {
		t.Errorf("worldbuilder called %d times, want 1", n)
	}

	st := tc.status("-p", "new-game", "-s", "s-1")
	if !st.Completed || st.Cursor != "commit_world(4)" {
		t.Errorf("status = %+v", st)
	}
}

func TestRun_MissingPremiseIsInvariant(t *testing.T) {
	tc := newTestCLI(t)
	tc.scriptNewGame()
	code, out := tc.run("run", "-p", "new-game", "-s", "s-1")
	if code != exitInvariant {
		t.Errorf("exit = %d, want %d\n%s", code, exitInvariant, out)
	}
	if strings.Contains(out, "hint:") {
		t.Errorf("invariant failure should not suggest resuming:\n%s", out)
	}
}

func TestRun_HaltThenResume(t *testing.T) {
	tc := newTestCLI(t)
	tc.scriptNewGame()
	tc.personas.Set("planner", persona.Reply{Err: &persona.Error{
		Persona: "planner", Kind: persona.KindTransport, Err: errors.New("connection reset"),
	}})
	premise := tc.writeFile("premise.txt", "A drought village.")

	code, out := tc.run("run", "-p", "new-game", "-s", "s-1", "--premise-file", premise)
	if code != exitHalted {
		t.Fatalf("exit = %d, want %d\n%s", code, exitHalted, out)
	}
	if !strings.Contains(out, "plan_first_day") || !strings.Contains(out, "hint:") {
		t.Errorf("summary should name the failed step and hint at resuming:\n%s", out)
	}

	st := tc.status("-p", "new-game", "-s", "s-1")
	if st.Completed || len(st.Journal) != 1 || st.Steps[2].State != pipeline.StepFailed {
		t.Errorf("status after halt = %+v", st)
	}

	tc.personas.Set("planner", persona.Reply{Body: map[string]any{"plan": map[string]any{"focus": "find water"}}})
	code, out = tc.run("run", "-p", "new-game", "-s", "s-1")
	if code != exitCompleted || !strings.Contains(out, "resumed:  true") {
		t.Fatalf("resume exit = %d\n%s", code, out)
	}
	if n := tc.personas.CallCount("worldbuilder"); n != 1 {
		t.Errorf("worldbuilder re-run on resume: %d calls", n)
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"day required", []string{"run", "-p", "end-of-day", "-s", "s-1"}, exitConfig},
		{"unknown pipeline", []string{"run", "-p", "lunch", "-s", "s-1"}, exitConfig},
		{"bad session", []string{"run", "-p", "new-game", "-s", "a/b"}, exitConfig},
		{"unknown backend", []string{"--store-backend", "floppy", "run", "-p", "new-game", "-s", "s-1"}, exitConfig},
		{"missing config", []string{"--config", "/nonexistent/daybreak.yaml", "run", "-p", "new-game", "-s", "s-1"}, exitConfig},
		{"transcript without day", []string{"run", "-p", "new-game", "-s", "s-1", "--transcript-file", "x"}, exitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestCLI(t)
			if code, out := tc.run(tt.args...); code != tt.want {
				t.Errorf("exit = %d, want %d\n%s", code, tt.want, out)
			}
		})
	}
}

func TestAbandon_ResetsProgress(t *testing.T) {
	tc := newTestCLI(t)
	tc.scriptNewGame()
	tc.personas.Set("planner", persona.Reply{Err: &persona.Error{
		Persona: "planner", Kind: persona.KindTimeout, Err: errors.New("slow"),
	}})
	premise := tc.writeFile("premise.txt", "A drought village.")
	if code, out := tc.run("run", "-p", "new-game", "-s", "s-1", "--premise-file", premise); code != exitHalted {
		t.Fatalf("exit = %d\n%s", code, out)
	}

	code, out := tc.run("abandon", "-p", "new-game", "-s", "s-1")
	if code != 0 || !strings.Contains(out, "abandoned s-1/new-game/new-game") {
		t.Fatalf("abandon exit = %d\n%s", code, out)
	}
	st := tc.status("-p", "new-game", "-s", "s-1")
	if len(st.Journal) != 0 || st.Steps[0].State != pipeline.StepPending {
		t.Errorf("status after abandon = %+v", st)
	}

	tc.scriptNewGame()
	if code, _ := tc.run("run", "-p", "new-game", "-s", "s-1", "-q"); code != exitCompleted {
		t.Errorf("run after abandon exit = %d", code)
	}
	if n := tc.personas.CallCount("worldbuilder"); n != 2 {
		t.Errorf("worldbuilder calls = %d, want 2 (restart from first step)", n)
	}
}

func TestImport_CommitsHeadAndBumpsGeneration(t *testing.T) {
	tc := newTestCLI(t)
	file := tc.writeFile("world.json", `{
		"day": 3, "segment": 1, "protagonist": "Mara",
		"characters": {"Ilsa": {"role": "smith"}},
		"relationships": {}, "facts": [], "journal": [], "plan": {}
	}`)

	code, out := tc.run("import", "-s", "s-1", "--file", file)
	if code != 0 || !strings.Contains(out, "generation 1") {
		t.Fatalf("import exit = %d\n%s", code, out)
	}

	kv, err := storage.NewFSStore(filepath.Join(tc.dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	gen, err := pipeline.LoadGeneration(t.Context(), kv, "s-1")
	if err != nil || gen != 1 {
		t.Errorf("generation = %d, %v", gen, err)
	}
	head, err := world.NewStore(kv, storage.JSONCodec{}).Head(t.Context(), "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if head.Day != 3 || head.Protagonist != "Mara" || head.Session != "s-1" {
		t.Errorf("head = %+v", head)
	}
}

func TestImport_DiscardsHaltedRunOfOldSave(t *testing.T) {
	tc := newTestCLI(t)
	tc.scriptNewGame()
	premise := tc.writeFile("premise.txt", "A drought village.")
	if code, out := tc.run("run", "-p", "new-game", "-s", "s-1", "--premise-file", premise, "-q"); code != exitCompleted {
		t.Fatalf("new-game exit = %d\n%s", code, out)
	}

	transcript := tc.writeFile("day1.txt", "Mara: The well is dry.")
	tc.personas.
		Set("chronicler", persona.Reply{Body: map[string]any{"summary": "Mara dug.", "journal_entry": "Dust."}}).
		Set("casting", persona.Reply{Body: map[string]any{"facts": []any{}}})
	code, out := tc.run("run", "-p", "end-of-day", "-s", "s-1", "-d", "1", "--transcript-file", transcript)
	if code != exitHalted {
		t.Fatalf("end-of-day exit = %d, want %d\n%s", code, exitHalted, out)
	}
	if st := tc.status("-p", "end-of-day", "-s", "s-1", "-d", "1"); st.Stale {
		t.Error("run is stale before any import")
	}

	file := tc.writeFile("world.json", `{
		"day": 1, "segment": 1, "protagonist": "Kestrel",
		"characters": {"Orrin": {"role": "ferryman"}},
		"relationships": {}, "facts": [], "journal": [], "plan": {}
	}`)
	if code, out := tc.run("import", "-s", "s-1", "--file", file); code != 0 {
		t.Fatalf("import exit = %d\n%s", code, out)
	}
	if st := tc.status("-p", "end-of-day", "-s", "s-1", "-d", "1"); !st.Stale {
		t.Error("halted run of the old save is not marked stale")
	}

	tc.personas.
		Set("relationships", persona.Reply{Body: map[string]any{
			"updates": map[string]any{"orrin+kestrel": map[string]any{"trust": 2}},
		}}).
		Set("casting", persona.Reply{Body: map[string]any{
			"new_characters": map[string]any{}, "profile_updates": map[string]any{}, "facts": []any{},
		}})
	code, out = tc.run("run", "-p", "end-of-day", "-s", "s-1", "-d", "1")
	if code != exitCompleted {
		t.Fatalf("run after import exit = %d\n%s", code, out)
	}
	if strings.Contains(out, "resumed:") {
		t.Errorf("run after import resumed the old run:\n%s", out)
	}

	kv, err := storage.NewFSStore(filepath.Join(tc.dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	head, err := world.NewStore(kv, storage.JSONCodec{}).Head(t.Context(), "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if head.Protagonist != "Kestrel" || head.Day != 2 {
		t.Errorf("head = %s protagonist %s", head.Ref(), head.Protagonist)
	}
	if _, ok := head.Relationships["Orrin+Kestrel"]; !ok || len(head.Relationships) != 1 {
		t.Errorf("relationships = %v, want only the new save's", head.Relationships)
	}
	if _, ok := head.Characters["Ilsa"]; ok {
		t.Error("old save's cast leaked into the imported world")
	}
}

func TestImport_RejectsBadWorld(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", `{"day": 1, "protagonist": "Mara", "mood": "grim"}`},
		{"no day", `{"protagonist": "Mara"}`},
		{"no protagonist", `{"day": 2}`},
		{"not json", `day: 2`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestCLI(t)
			file := tc.writeFile("world.json", tt.content)
			if code, _ := tc.run("import", "-s", "s-1", "--file", file); code != 1 {
				t.Errorf("exit = %d, want 1", code)
			}
		})
	}
}

func TestHistory_ListsRunReports(t *testing.T) {
	tc := newTestCLI(t)
	tc.config = tc.writeFile("daybreak.yaml", "history:\n  enabled: true\n")
	tc.scriptNewGame()
	premise := tc.writeFile("premise.txt", "A drought village.")
	if code, out := tc.run("run", "-p", "new-game", "-s", "s-1", "--premise-file", premise); code != 0 {
		t.Fatalf("run exit = %d\n%s", code, out)
	}

	code, out := tc.run("history", "--format", "json", "-s", "s-1")
	if code != 0 {
		t.Fatalf("history exit = %d\n%s", code, out)
	}
	var reps []history.Report
	if err := json.Unmarshal([]byte(out), &reps); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(reps) != 1 || reps[0].Status != types.OutcomeCompleted || reps[0].Pipeline != types.PipelineNewGame {
		t.Errorf("reports = %+v", reps)
	}

	code, out = tc.run("history", "--format", "json", "-s", "s-2")
	if code != 0 || strings.TrimSpace(out) != "[]" {
		t.Errorf("unknown session: exit = %d out = %q", code, out)
	}
}

func TestHistory_Disabled(t *testing.T) {
	tc := newTestCLI(t)
	if code, _ := tc.run("history"); code != 1 {
		t.Errorf("exit = %d, want 1", code)
	}
}

func TestRun_HTTPPersonasFromConfig(t *testing.T) {
	replies := map[string]string{
		"worldbuilder":  `{"protagonist": "Mara", "characters": {"Ilsa": {"role": "smith"}}, "facts": []}`,
		"relationships": `{"updates": {"Ilsa+Mara": {"trust": 2}}}`,
		"planner":       `{"plan": {"focus": "find water"}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/personas/"), "/invoke")
		body, ok := replies[name]
		if r.Method != http.MethodPost || !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	tc := newTestCLI(t)
	tc.env = &Env{}
	tc.config = tc.writeFile("daybreak.yaml", "persona:\n  endpoints: [\""+srv.URL+"\"]\n  retries: 0\n")
	premise := tc.writeFile("premise.txt", "A drought village.")

	if code, out := tc.run("run", "-p", "new-game", "-s", "s-1", "--premise-file", premise); code != exitCompleted {
		t.Fatalf("exit = %d\n%s", code, out)
	}
	kv, err := storage.NewFSStore(filepath.Join(tc.dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	head, err := world.NewStore(kv, storage.JSONCodec{}).Head(t.Context(), "s-1")
	if err != nil || head.Protagonist != "Mara" {
		t.Errorf("head = %+v, %v", head, err)
	}
}

func TestVersion(t *testing.T) {
	tc := newTestCLI(t)
	code, out := tc.run("version", "--format", "json")
	if code != 0 {
		t.Fatalf("exit = %d", code)
	}
	var v VersionResponse
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatal(err)
	}
	if v.Version != types.Version || v.Commit != "test" {
		t.Errorf("version = %+v", v)
	}
	if code, _ := tc.run("version", "--tui"); code != 1 {
		t.Errorf("--tui exit = %d, want 1", code)
	}
}
