package workerrt_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/milvaion/jobscheduler/internal/workerrt"
)

func TestShellExecutor_RunsCommandAndCapturesOutput(t *testing.T) {
	exec := workerrt.ShellExecutor{}
	out, err := exec.Execute(context.Background(), workerrt.JobInput{
		JobName: "echo-job",
		JobData: `{"command":"echo","args":["hello"]}`,
	})
	require.NoError(t, err)
	require.Equal(t, "hello", out)
}

func TestShellExecutor_NonZeroExitIsPermanent(t *testing.T) {
	exec := workerrt.ShellExecutor{}
	_, err := exec.Execute(context.Background(), workerrt.JobInput{
		JobName: "false-job",
		JobData: `{"command":"false"}`,
	})
	require.Error(t, err)
	require.True(t, workerrt.IsPermanent(err))
}

func TestShellExecutor_MalformedPayloadIsPermanent(t *testing.T) {
	exec := workerrt.ShellExecutor{}
	_, err := exec.Execute(context.Background(), workerrt.JobInput{
		JobName: "bad-job",
		JobData: `not json`,
	})
	require.Error(t, err)
	require.True(t, workerrt.IsPermanent(err))
}
