package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"btc-minter/internal/minter"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLedger struct {
	mints map[string]uint64
	err   error
}

func (l *recordingLedger) Mint(_ context.Context, to minter.Account, amount uint64, dedupKey string) (uint64, error) {
	if l.err != nil {
		return 0, l.err
	}
	if l.mints == nil {
		l.mints = map[string]uint64{}
	}
	l.mints[dedupKey+"@"+to.String()] = amount
	return uint64(len(l.mints)), nil
}

func (l *recordingLedger) Burn(context.Context, minter.Account, uint64, string) (uint64, error) {
	return 0, errors.New("not supported")
}

func TestMintTaskRoundTrip(t *testing.T) {
	mt := minter.MintTask{Owner: "alice", Subaccount: "", Amount: 25_000, DedupKey: "refund:7", Reason: "refund"}
	task, err := NewMintTask(mt)
	require.NoError(t, err)
	assert.Equal(t, TypeMint, task.Type())

	led := &recordingLedger{}
	require.NoError(t, NewMintHandler(led).ProcessTask(context.Background(), task))
	assert.Equal(t, map[string]uint64{"refund:7@alice": 25_000}, led.mints)
}

func TestMintTaskErrors(t *testing.T) {
	h := NewMintHandler(&recordingLedger{})
	ctx := context.Background()

	err := h.ProcessTask(ctx, asynq.NewTask(TypeMint, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	bad, _ := json.Marshal(minter.MintTask{Owner: "alice", Subaccount: "zz", Amount: 1, DedupKey: "k"})
	err = h.ProcessTask(ctx, asynq.NewTask(TypeMint, bad))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	empty, _ := json.Marshal(minter.MintTask{Owner: "alice", Amount: 1})
	err = h.ProcessTask(ctx, asynq.NewTask(TypeMint, empty))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	// 账本不可用时返回错误让 asynq 重试
	down := NewMintHandler(&recordingLedger{err: errors.New("ledger down")})
	good, _ := json.Marshal(minter.MintTask{Owner: "alice", Amount: 1, DedupKey: "k"})
	err = down.ProcessTask(ctx, asynq.NewTask(TypeMint, good))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}
