package validation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/vaultgate/internal/file"
	"github.com/dharsanguruparan/vaultgate/internal/logging"
	"github.com/dharsanguruparan/vaultgate/internal/testutil"
	"github.com/dharsanguruparan/vaultgate/internal/validation"
)

type recorder struct {
	name  string
	fail  bool
	calls int
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Validate(*file.Handle) *validation.Outcome {
	r.calls++
	out := validation.Success(map[string]any{r.name: true})
	if r.fail {
		out.AddError(r.name+" failed", "FAIL_"+r.name, nil)
	}
	return out
}

func TestChainStopOnFirstError(t *testing.T) {
	h := testutil.Handle(t, "a.txt", []byte("abc"))
	a := &recorder{name: "a"}
	b := &recorder{name: "b", fail: true}
	c := &recorder{name: "c"}

	chain := validation.NewChain(true, nil).Add(a).Add(b).Add(c)
	out := chain.Validate(h)

	assert.False(t, out.Valid())
	assert.Equal(t, "FAIL_b", out.FirstCode())
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 0, c.calls)
	assert.Equal(t, true, out.Metadata["a"])
	assert.Equal(t, true, out.Metadata["b"])
}

func TestChainRunsEveryValidatorByDefault(t *testing.T) {
	h := testutil.Handle(t, "a.txt", []byte("abc"))
	a := &recorder{name: "a", fail: true}
	b := &recorder{name: "b", fail: true}

	out := validation.NewChain(false, nil).Add(a).Add(b).Validate(h)
	require.Len(t, out.Errors, 2)
	assert.Equal(t, "FAIL_a", out.Errors[0].Code)
	assert.Equal(t, "FAIL_b", out.Errors[1].Code)
}

func TestChainReplacesByName(t *testing.T) {
	first := &recorder{name: "x", fail: true}
	second := &recorder{name: "x"}
	other := &recorder{name: "y"}

	chain := validation.NewChain(false, nil).Add(first).Add(other).Add(second)
	assert.Equal(t, []string{"x", "y"}, chain.Names())
	assert.Equal(t, 2, chain.Len())

	got, ok := chain.Get("x")
	require.True(t, ok)
	assert.Same(t, second, got)

	out := chain.Validate(testutil.Handle(t, "a.txt", []byte("abc")))
	assert.True(t, out.Valid())
	assert.Equal(t, 0, first.calls)

	chain.Remove("x")
	assert.Equal(t, []string{"y"}, chain.Names())
	_, ok = chain.Get("x")
	assert.False(t, ok)
	got, ok = chain.Get("y")
	require.True(t, ok)
	assert.Same(t, other, got)
}

func TestChainMergeIsAssociative(t *testing.T) {
	h := testutil.Handle(t, "shell.php", []byte("abc"))
	name, err := validation.NewFilename(validation.FilenameConfig{Forbidden: []string{"shell.php"}})
	require.NoError(t, err)
	ext := validation.NewExtension([]string{"jpg"}, nil)
	size := validation.NewSize(validation.SizeConfig{Min: 10})

	left := validation.NewChain(false, nil).Add(name).Add(ext).Validate(h)
	left.Merge(size.Validate(h))

	whole := validation.NewChain(false, nil).Add(name).Add(ext).Add(size).Validate(h)

	assert.Equal(t, whole.Errors, left.Errors)
	assert.Equal(t, whole.Warnings, left.Warnings)
	assert.Equal(t, whole.Metadata, left.Metadata)
}

func TestChainLogsFailures(t *testing.T) {
	logger := logging.NewTestLogger()
	chain := validation.NewChain(false, logger).Add(&recorder{name: "a", fail: true})
	chain.Validate(testutil.Handle(t, "a.txt", []byte("abc")))
	assert.Contains(t, logger.GetOutput(), "validator failed")
}

func TestOutcomeMergeLaterKeysWin(t *testing.T) {
	a := validation.Success(map[string]any{"k": 1, "only_a": true})
	b := validation.Success(map[string]any{"k": 2})
	b.AddWarning("careful", "WARN", nil)

	a.Merge(b)
	assert.True(t, a.Valid())
	assert.Equal(t, 2, a.Metadata["k"])
	assert.Equal(t, true, a.Metadata["only_a"])
	require.Len(t, a.Warnings, 1)
	assert.Nil(t, a.Merge(nil).Err())
}

func TestFailedErrorUnwrapsEveryFinding(t *testing.T) {
	out := validation.Failure("too big", validation.CodeFileTooLarge, nil)
	out.AddError("bad ext", validation.CodeInvalidExtension, nil)

	err := out.Err()
	require.Error(t, err)

	var failed *validation.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, validation.NumFileTooLarge, failed.Code())

	var finding validation.Error
	require.ErrorAs(t, err, &finding)
	assert.Equal(t, validation.CodeFileTooLarge, finding.Code)
	assert.Contains(t, err.Error(), "too big; bad ext")
}
