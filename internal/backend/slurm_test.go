package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSlurm_Submit(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: "4242;cluster1\n"}}}
	b := newSlurmWithRunner(SlurmOptions{Partition: "short", Account: "lab"}, newTestLogger(), runner)
	job := newJob(t, "echo hi\n")
	job.Resources.GPU = 1

	h, err := b.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h != "4242" {
		t.Errorf("handle = %q, want 4242", h)
	}
	call := runner.calls[0]
	if call.name != "sbatch" || call.args[0] != "--parsable" {
		t.Errorf("call = %+v", call)
	}

	script, err := os.ReadFile(filepath.Join(job.AttemptDir, slurmScriptFile))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"#SBATCH --job-name=" + job.Name,
		"#SBATCH --output=" + job.StdoutPath(),
		"#SBATCH --cpus-per-task=2",
		"#SBATCH --mem=1024M",
		"#SBATCH --gres=gpu:1",
		"#SBATCH --partition=short",
		"#SBATCH --account=lab",
		"exec /bin/bash '" + job.CommandPath() + "'",
	} {
		if !strings.Contains(string(script), want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
}

func TestSlurm_SubmitWithImage(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: "7\n"}}}
	b := newSlurmWithRunner(SlurmOptions{}, newTestLogger(), runner)
	job := newJob(t, "echo hi\n")
	job.Image = "/images/tool.sif"

	if _, err := b.Submit(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	script, _ := os.ReadFile(filepath.Join(job.AttemptDir, slurmScriptFile))
	if !strings.Contains(string(script), "exec apptainer 'exec' '--cleanenv'") ||
		!strings.Contains(string(script), "'/images/tool.sif' '/bin/bash' '/mnt/gowdl/task/command'") {
		t.Errorf("script does not run apptainer:\n%s", script)
	}
}

func TestParseSacct(t *testing.T) {
	tests := []struct {
		line string
		want Status
	}{
		{"PENDING|0:0", Status{State: StateRunning}},
		{"RUNNING|0:0", Status{State: StateRunning}},
		{"COMPLETED|0:0", Status{State: StateSucceeded}},
		{"FAILED|2:0", Status{State: StateFailed, ExitCode: 2, Message: "FAILED"}},
		{"OUT_OF_MEMORY|0:125", Status{State: StateFailed, ExitCode: -1, Message: "OUT_OF_MEMORY"}},
		{"CANCELLED by 1000|0:15", Status{State: StateFailed, ExitCode: -1, Message: "CANCELLED"}},
		{"NODE_FAIL|0:0", Status{State: StateLost, ExitCode: -1, Message: "NODE_FAIL"}},
	}
	for _, tt := range tests {
		got, err := parseSacct(tt.line)
		if err != nil {
			t.Errorf("parseSacct(%q): %v", tt.line, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSacct(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
	if _, err := parseSacct("garbage"); err == nil {
		t.Error("expected error for malformed line")
	}
}

func TestSlurm_PollNotYetVisible(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: ""}}}
	b := newSlurmWithRunner(SlurmOptions{}, newTestLogger(), runner)
	st, err := b.Poll(context.Background(), "1")
	if err != nil || st.State != StateRunning {
		t.Errorf("Poll = %+v, %v", st, err)
	}
}
