package accountant

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rrdrake/vvtools-sub002/internal/config"
	"github.com/rrdrake/vvtools-sub002/internal/job"
	"github.com/rrdrake/vvtools-sub002/internal/scheduler"
)

// runLocal writes and submits one local job per body and returns the records
func runLocal(t *testing.T, acct *Accountant, b scheduler.Backend, bodies map[string]string) map[string]*job.Record {
	t.Helper()
	return runLocalIn(t, t.TempDir(), acct, b, bodies)
}

func runLocalIn(t *testing.T, dir string, acct *Accountant, b scheduler.Backend, bodies map[string]string) map[string]*job.Record {
	t.Helper()
	composer := scheduler.NewComposer(b, config.DefaultBatchConfig(), dir)
	recs := map[string]*job.Record{}
	for name, body := range bodies {
		rec := job.NewRecord(job.Spec{Name: name, Command: job.WrapCommand(body)})
		_, err := composer.Write(rec)
		require.NoError(t, err)
		acct.Add(rec)
		recs[name] = rec
	}
	require.NoError(t, acct.SubmitAll(context.Background()))
	return recs
}

func TestLocalJobsClassified(t *testing.T) {
	b, err := scheduler.New("proc", scheduler.Options{})
	require.NoError(t, err)
	acct := New(b, config.DefaultBatchConfig(), WithPollInterval(50*time.Millisecond))

	recs := runLocal(t, acct, b, map[string]string{
		"pass": "echo hello",
		"fail": "sleep 1\nexit 1",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, acct.Wait(ctx))

	assert.True(t, acct.Finished())
	assert.Equal(t, job.ExitOK, recs["pass"].ExitStatus())
	assert.Equal(t, job.ExitFail, recs["fail"].ExitStatus())

	sd := recs["fail"].ScriptDates()
	require.False(t, sd.Start.IsZero())
	require.False(t, sd.Stop.IsZero())
	assert.GreaterOrEqual(t, sd.Stop.Sub(sd.Start), time.Second, "start to stop covers the sleep")
	code, ok := recs["fail"].ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 1, code)
}

func TestLocalCancelLeavesOthersAlone(t *testing.T) {
	b, err := scheduler.New("proc", scheduler.Options{Grace: 500 * time.Millisecond})
	require.NoError(t, err)
	acct := New(b, config.DefaultBatchConfig(), WithPollInterval(50*time.Millisecond))

	recs := runLocal(t, acct, b, map[string]string{
		"victim":    "sleep 30",
		"bystander": "sleep 1",
	})

	_, err = acct.Poll(context.Background())
	require.NoError(t, err)
	acct.Cancel(context.Background(), recs["victim"])

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, acct.Wait(ctx))

	assert.Equal(t, job.ExitKilled, recs["victim"].ExitStatus())
	assert.Equal(t, job.QueueDone, recs["victim"].QueueState())
	assert.Equal(t, job.ExitOK, recs["bystander"].ExitStatus())
}

func TestLocalRerunIgnoresPreviousLog(t *testing.T) {
	b, err := scheduler.New("proc", scheduler.Options{})
	require.NoError(t, err)
	dir := t.TempDir()

	run := func(body string) *job.Record {
		acct := New(b, config.DefaultBatchConfig(), WithPollInterval(50*time.Millisecond))
		recs := runLocalIn(t, dir, acct, b, map[string]string{"case": body})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		require.NoError(t, acct.Wait(ctx))
		return recs["case"]
	}

	require.Equal(t, job.ExitOK, run("true").ExitStatus())
	second := run("sleep 1; exit 3")

	assert.Equal(t, job.ExitFail, second.ExitStatus())
	code, ok := second.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 3, code)
}

func TestLocalBashSyntax(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
	b, err := scheduler.New("proc", scheduler.Options{})
	require.NoError(t, err)
	acct := New(b, config.DefaultBatchConfig(), WithPollInterval(50*time.Millisecond))

	recs := runLocal(t, acct, b, map[string]string{"arrays": "a=(1 2); [[ ${#a[@]} == 2 ]]"})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, acct.Wait(ctx))

	assert.Equal(t, job.ExitOK, recs["arrays"].ExitStatus())
}
