package batch

import (
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/errors"
)

const testSHA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const otherSHA = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func sampleTask() Task {
	t := Task{
		Kind:       KindGenerate,
		EntityType: EntityCharacter,
		EntitySlug: "aldwin",
		TargetID:   "portrait",
		Spec: ImageSpec{
			Prompt:         "a weathered ranger",
			NegativePrompt: "blurry",
			AspectRatio:    "1:1",
		},
		References: []Reference{
			{Path: "refs/a.png", MIME: "image/png", SHA256: testSHA},
			{Path: "refs/b.png", MIME: "image/png", SHA256: otherSHA},
		},
		Model:  "gemini-2.5-flash-image",
		Output: Output{Dir: "out/aldwin", BaseName: "portrait-v0"},
	}
	t.AssignKey()
	return t
}

func TestComputeKey_Deterministic(t *testing.T) {
	a := sampleTask()
	b := sampleTask()
	if a.Key != b.Key {
		t.Fatalf("keys differ for identical tasks: %q vs %q", a.Key, b.Key)
	}
	if !strings.HasPrefix(a.Key, "character/aldwin/portrait/v0@") {
		t.Errorf("unexpected key shape %q", a.Key)
	}

	// Reference order, temperature and output location are not part of identity.
	c := sampleTask()
	c.References[0], c.References[1] = c.References[1], c.References[0]
	c.Spec.Temperature = 0.7
	c.Output.Dir = "elsewhere"
	if got := ComputeKey(&c); got != a.Key {
		t.Errorf("key changed with reference order/temperature/output: %q vs %q", got, a.Key)
	}
}

func TestComputeKey_ContentSensitive(t *testing.T) {
	base := sampleTask()

	mutations := map[string]func(*Task){
		"prompt":    func(t *Task) { t.Spec.Prompt += "!" },
		"negative":  func(t *Task) { t.Spec.NegativePrompt = "" },
		"reference": func(t *Task) { t.References = t.References[:1] },
		"model":     func(t *Task) { t.Model = "other" },
		"aspect":    func(t *Task) { t.Spec.AspectRatio = "16:9" },
		"variant":   func(t *Task) { t.Variant = 1 },
		"kind":      func(t *Task) { t.Kind = KindAnalyze },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			m := sampleTask()
			mutate(&m)
			if ComputeKey(&m) == base.Key {
				t.Errorf("changing %s did not change the key", name)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	task := sampleTask()
	task.Variant = 2
	task.AssignKey()

	p, err := ParseKey(task.Key)
	if err != nil {
		t.Fatalf("ParseKey failed: %v", err)
	}
	if p.EntityType != EntityCharacter || p.EntitySlug != "aldwin" || p.TargetID != "portrait" || p.Variant != 2 {
		t.Errorf("ParseKey() = %+v", p)
	}
	if len(p.Hash) != hashLen {
		t.Errorf("hash length = %d", len(p.Hash))
	}

	bad := []string{
		"",
		"character/aldwin/portrait/v0",
		"character/aldwin/v0@0123456789abcdef",
		"character/aldwin/portrait/x0@0123456789abcdef",
		"character/aldwin/portrait/v0@short",
		"character//portrait/v0@0123456789abcdef",
	}
	for _, k := range bad {
		if _, err := ParseKey(k); err == nil {
			t.Errorf("ParseKey(%q) succeeded, want error", k)
		}
	}
}

func TestSameTargetAndRegeneration(t *testing.T) {
	a := sampleTask()
	b := sampleTask()
	b.Spec.Prompt = "a younger ranger"
	b.AssignKey()

	if !SameTarget(a.Key, b.Key) {
		t.Error("SameTarget() = false for same slot with different prompt")
	}
	if !NeedsRegeneration(a.Key, b.Key) {
		t.Error("NeedsRegeneration() = false for changed prompt")
	}
	if NeedsRegeneration(a.Key, a.Key) {
		t.Error("NeedsRegeneration() = true for identical key")
	}

	c := sampleTask()
	c.Variant = 1
	c.AssignKey()
	if SameTarget(a.Key, c.Key) {
		t.Error("SameTarget() = true across variants")
	}
}

func TestDisplayKey(t *testing.T) {
	task := sampleTask()
	got := DisplayKey(task.Key)
	if !strings.HasPrefix(got, "aldwin/portrait (") {
		t.Errorf("DisplayKey() = %q", got)
	}
	if DisplayKey("not-a-key") != "not-a-key" {
		t.Error("DisplayKey should pass through unparseable keys")
	}
	if got := ShortHash(task.Key, 8); len(got) != 8 {
		t.Errorf("ShortHash() = %q", got)
	}
}

func TestTaskValidate(t *testing.T) {
	good := sampleTask()
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	tests := []struct {
		name   string
		mutate func(*Task)
	}{
		{"missing prompt", func(t *Task) { t.Spec.Prompt = ""; t.AssignKey() }},
		{"unknown entity type", func(t *Task) { t.EntityType = "dragon"; t.AssignKey() }},
		{"bad reference hash", func(t *Task) { t.References[0].SHA256 = "xyz"; t.AssignKey() }},
		{"missing output", func(t *Task) { t.Output.BaseName = ""; t.AssignKey() }},
		{"stale key", func(t *Task) { t.Spec.Prompt = "changed" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := sampleTask()
			tt.mutate(&task)
			err := task.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("error %v does not match ErrInvalidInput", err)
			}
		})
	}
}

func TestWithoutStagingState(t *testing.T) {
	task := sampleTask()
	task.References[0].URI = "https://files/1"

	fresh := task.WithoutStagingState()
	if fresh.References[0].URI != "" {
		t.Error("URI not cleared")
	}
	if task.References[0].URI == "" {
		t.Error("original task was mutated")
	}
	if fresh.Key != task.Key {
		t.Error("key changed")
	}
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"image/jpeg": ".jpg",
		"image/png":  ".png",
		"image/webp": ".webp",
		"":           ".png",
	}
	for mime, want := range tests {
		if got := ExtensionFor(mime); got != want {
			t.Errorf("ExtensionFor(%q) = %q, want %q", mime, got, want)
		}
	}
}

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhasePlanning, PhaseStaging, true},
		{PhaseStaged, PhaseSubmitted, true},
		{PhaseSubmitted, PhaseDownloading, true},
		{PhasePolling, PhasePolling, true},
		{PhasePolling, PhaseStaged, false},
		{PhaseApplying, PhaseFailed, true},
		{PhaseComplete, PhaseFailed, false},
		{PhaseFailed, PhasePlanning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	if _, err := ParsePhase("POLLING"); err != nil {
		t.Errorf("ParsePhase(POLLING) = %v", err)
	}
	if _, err := ParsePhase("nope"); err == nil {
		t.Error("ParsePhase(nope) succeeded")
	}
	if !PhaseStaged.Before(PhaseFailed) || PhaseComplete.Before(PhaseApplying) {
		t.Error("Before() ordering is wrong")
	}
}

func TestParseJobState(t *testing.T) {
	tests := map[string]JobState{
		"JOB_STATE_PENDING":     JobPending,
		"BATCH_STATE_RUNNING":   JobRunning,
		"JOB_STATE_SUCCEEDED":   JobSucceeded,
		"BATCH_STATE_FAILED":    JobFailed,
		"JOB_STATE_CANCELLED":   JobCancelled,
		"BATCH_STATE_EXPIRED":   JobExpired,
		"succeeded":             JobSucceeded,
		"JOB_STATE_UNSPECIFIED": JobPending,
	}
	for in, want := range tests {
		if got := ParseJobState(in); got != want {
			t.Errorf("ParseJobState(%q) = %q, want %q", in, got, want)
		}
	}
	if JobRunning.IsTerminal() || !JobExpired.IsTerminal() {
		t.Error("IsTerminal() misclassifies states")
	}
}

func TestHashFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "ref.png", []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := HashFile(fs, "ref.png")
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("HashFile() = %q, want %q", got, want)
	}
}
