package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type moveGoal struct {
	TargetMM int32
}

type moveResult struct {
	FinalMM int32
}

type moveFeedback struct {
	CurrentMM int32
}

func uniqueAction(t *testing.T) string {
	t.Helper()
	return "test_" + t.Name()
}

func TestSendGoalAcceptRunPublishResult(t *testing.T) {
	name := uniqueAction(t)
	srv, err := NewServer[moveGoal, moveResult, moveFeedback](name)
	require.NoError(t, err)
	defer srv.Unlink()

	cli, err := NewClient[moveGoal, moveResult, moveFeedback](name)
	require.NoError(t, err)
	defer cli.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if !srv.WaitNewGoalAvailable(time.Second) {
			t.Errorf("server never saw the goal")
			return
		}
		g := srv.AcceptNewGoal()
		srv.PublishFeedback(moveFeedback{CurrentMM: g.TargetMM / 2})
		srv.PublishResult(moveResult{FinalMM: g.TargetMM})
	}()

	require.NoError(t, cli.SendGoal(moveGoal{TargetMM: 100}))
	require.True(t, cli.WaitForResult(time.Second), "WaitForResult timed out")
	<-done

	res, err := cli.GetResult()
	require.NoError(t, err)
	assert.Equal(t, int32(100), res.FinalMM)

	status, err := cli.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status)
}

func TestPreemptionViaCancelGoal(t *testing.T) {
	name := uniqueAction(t)
	srv, err := NewServer[moveGoal, moveResult, moveFeedback](name)
	require.NoError(t, err)
	defer srv.Unlink()

	cli, err := NewClient[moveGoal, moveResult, moveFeedback](name)
	require.NoError(t, err)
	defer cli.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if !srv.WaitNewGoalAvailable(time.Second) {
			t.Errorf("server never saw the goal")
			return
		}
		srv.AcceptNewGoal()
		for i := 0; i < 50; i++ {
			if srv.IsPreemptRequested() {
				srv.SetPreempted()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Errorf("preemption was never observed")
	}()

	require.NoError(t, cli.SendGoal(moveGoal{TargetMM: 50}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, cli.CancelGoal())

	require.True(t, cli.WaitForResult(time.Second), "WaitForResult timed out")
	<-serverDone

	status, err := cli.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusPreempted, status)
}

func TestCancelBeforeAcceptDoesNotAffectNextGoal(t *testing.T) {
	name := uniqueAction(t)
	srv, err := NewServer[moveGoal, moveResult, moveFeedback](name)
	require.NoError(t, err)
	defer srv.Unlink()

	cli, err := NewClient[moveGoal, moveResult, moveFeedback](name)
	require.NoError(t, err)
	defer cli.Close()

	// A cancel sent with no goal in flight stamps cancelTS, but the next
	// AcceptNewGoal resets the preemption baseline to a later time, so the
	// stale cancellation must not preempt it.
	require.NoError(t, cli.CancelGoal())
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, cli.SendGoal(moveGoal{TargetMM: 10}))

	require.True(t, srv.WaitNewGoalAvailable(time.Second), "server never saw the goal")
	g := srv.AcceptNewGoal()
	assert.False(t, srv.IsPreemptRequested(), "stale cancellation should not preempt a later goal")
	srv.PublishResult(moveResult{FinalMM: g.TargetMM})

	assert.True(t, cli.WaitForResult(time.Second), "WaitForResult timed out")
}

func TestRejectNewGoalWakesClient(t *testing.T) {
	name := uniqueAction(t)
	srv, err := NewServer[moveGoal, moveResult, moveFeedback](name)
	require.NoError(t, err)
	defer srv.Unlink()

	cli, err := NewClient[moveGoal, moveResult, moveFeedback](name)
	require.NoError(t, err)
	defer cli.Close()

	go func() {
		if srv.WaitNewGoalAvailable(time.Second) {
			srv.RejectNewGoal()
		}
	}()

	require.NoError(t, cli.SendGoal(moveGoal{TargetMM: 1}))
	require.True(t, cli.WaitForResult(500*time.Millisecond), "WaitForResult timed out waiting for rejection")

	status, err := cli.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, status)
}

func TestGetFeedbackReflectsLatestPublish(t *testing.T) {
	name := uniqueAction(t)
	srv, err := NewServer[moveGoal, moveResult, moveFeedback](name)
	require.NoError(t, err)
	defer srv.Unlink()

	cli, err := NewClient[moveGoal, moveResult, moveFeedback](name)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.SendGoal(moveGoal{TargetMM: 30}))
	require.True(t, srv.WaitNewGoalAvailable(time.Second), "server never saw the goal")
	srv.AcceptNewGoal()
	srv.PublishFeedback(moveFeedback{CurrentMM: 15})

	fb, err := cli.GetFeedback()
	require.NoError(t, err)
	assert.Equal(t, int32(15), fb.CurrentMM)
}

func TestWaitForServerObservesSegment(t *testing.T) {
	name := uniqueAction(t)
	cli, err := NewClient[moveGoal, moveResult, moveFeedback](name)
	require.NoError(t, err)
	defer cli.Close()

	assert.False(t, cli.WaitForServer(30*time.Millisecond), "WaitForServer returned true before the server exists")

	srv, err := NewServer[moveGoal, moveResult, moveFeedback](name)
	require.NoError(t, err)
	defer srv.Unlink()

	assert.True(t, cli.WaitForServer(time.Second), "WaitForServer did not observe the running server")
}
