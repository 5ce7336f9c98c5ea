package minter

import (
	"context"
	"errors"
	"fmt"

	"btc-minter/pkg/errno"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RetrieveBtcArgs retrieve_btc 的参数
type RetrieveBtcArgs struct {
	Address        string
	Amount         uint64
	IdempotencyKey string // 为空时生成一个
	FromSubaccount []byte
}

// RetrieveBtc 先 burn 再选币、构造、签名、广播
//
// burn 成功之后请求就不能取消: 后续的签名或广播失败不会返回错误，
// 请求保持 Pending 等待下次对账重试，调用方通过 retrieve_btc_status 查询。
func (m *Minter) RetrieveBtc(ctx context.Context, caller string, args RetrieveBtcArgs) (*RetrieveBtcOk, error) {
	principal := callerPrincipal(caller)
	if principal == m.cfg.MinterID {
		return nil, errno.ErrSelfCustody
	}
	sub, err := ParseSubaccount(args.FromSubaccount)
	if err != nil {
		return nil, err
	}
	acc := Account{Owner: principal, Subaccount: sub}

	// 1. 模式门与参数校验
	if err := m.gate(OpWithdrawal, caller); err != nil {
		return nil, err
	}
	m.mu.Lock()
	minAmount := m.cfg.RetrieveBtcMinAmount
	kytFee := m.kytFeeLocked()
	m.mu.Unlock()
	if args.Amount < minAmount {
		return nil, errno.ErrAmountTooLow.WithMessage(
			fmt.Sprintf("amount %d is below the minimum %d", args.Amount, minAmount))
	}
	if _, _, err := m.deriver.DecodeDestination(args.Address); err != nil {
		return nil, errno.ErrMalformedAddress.WithMessage(fmt.Sprintf("%s: %v", args.Address, err))
	}
	if args.Address == m.CustodyAddress() {
		return nil, errno.ErrSelfCustody
	}

	// 2. 顺带对账
	if err := m.reconcileOpportunistic(ctx); err != nil {
		return nil, err
	}

	// 3. 占用幂等键
	key := args.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	m.mu.Lock()
	_, done := m.idemKeys[key]
	_, inflight := m.inflightKeys[key]
	if done || inflight {
		m.mu.Unlock()
		return nil, errno.ErrAlreadyProcessing
	}
	m.inflightKeys[key] = struct{}{}
	m.mu.Unlock()

	// 4. burn，成功之前不做任何预留
	blockIndex, err := m.deps.Ledger.Burn(ctx, acc, args.Amount, "retrieve:"+key)
	if err != nil {
		m.mu.Lock()
		delete(m.inflightKeys, key)
		m.mu.Unlock()
		if errors.Is(err, errno.ErrInsufficientFunds) {
			return nil, err
		}
		// 账本里这个 key 已经对应另一笔 burn (例如从较旧的快照恢复)，不能借用它出款
		if errors.Is(err, ErrDedupConflict) {
			m.log.Warn("幂等键已被其它 burn 占用", zap.String("account", acc.String()), zap.String("key", key), zap.Error(err))
			return nil, errno.ErrAlreadyProcessing
		}
		m.log.Error("burn 失败", zap.String("account", acc.String()), zap.String("key", key), zap.Error(err))
		return nil, genericError("burn failed, retry with idempotency key %s: %v", key, err)
	}

	// 5. 入队
	m.mu.Lock()
	delete(m.inflightKeys, key)
	if _, exists := m.requests[blockIndex]; exists {
		m.mu.Unlock()
		return nil, invariantf("burn block index %d already has a withdrawal", blockIndex)
	}
	if _, exists := m.archive[blockIndex]; exists {
		m.mu.Unlock()
		return nil, invariantf("burn block index %d already has a withdrawal", blockIndex)
	}
	r := &WithdrawalRequest{
		ID:             blockIndex,
		IdempotencyKey: key,
		Account:        acc,
		Destination:    args.Address,
		Amount:         args.Amount,
		KytFee:         kytFee,
		RequestedAt:    m.deps.Clock.Now(),
		Status:         WithdrawalPending,
	}
	m.requests[r.ID] = r
	m.idemKeys[key] = r.ID
	snapshot := r.clone()
	m.mu.Unlock()

	m.log.Info("提现请求已入队",
		zap.Uint64("block_index", r.ID),
		zap.String("account", acc.String()),
		zap.String("destination", args.Address),
		zap.Uint64("amount", args.Amount))
	m.emit(ctx, Event{Kind: EventWithdrawalStatus, Account: acc, Withdrawal: snapshot})

	// 6. 立即尝试处理
	if err := m.processRequest(ctx, r.ID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.requests[r.ID]
	if cur == nil {
		cur = m.archive[r.ID]
	}
	ok := &RetrieveBtcOk{BlockIndex: r.ID, IdempotencyKey: key, Status: cur.Status}
	if last := cur.LastTx(); last != nil {
		ok.TxID = last.TxID.String()
		ok.Received = last.DestValue
		ok.Fee = last.Fee
	}
	return ok, nil
}

// feeModel 手续费对输入个数是线性的，先在锁外取两点，锁内直接计算
type feeModel struct {
	base, perInput uint64
}

func (f feeModel) fee(nIn int) uint64 {
	return f.base + uint64(nIn-1)*f.perInput
}

func (m *Minter) estimateFeeModel(ctx context.Context) (feeModel, error) {
	f1, err := m.deps.Fees.EstimateFee(ctx, 1, 2)
	if err != nil {
		return feeModel{}, err
	}
	f2, err := m.deps.Fees.EstimateFee(ctx, 2, 2)
	if err != nil {
		return feeModel{}, err
	}
	var per uint64
	if f2 > f1 {
		per = f2 - f1
	}
	return feeModel{base: f1, perInput: per}, nil
}

// processRequest Pending → Selected → SigningInFlight → Submitted
// 只有 InsufficientFunds / AmountTooLow 这类导致退款的结果会返回错误
func (m *Minter) processRequest(ctx context.Context, id uint64) error {
	fees, err := m.estimateFeeModel(ctx)
	if err != nil {
		m.log.Warn("估算手续费失败，请求保持 Pending", zap.Uint64("block_index", id), zap.Error(err))
		return nil
	}

	// 1. 同步选币并预留
	m.mu.Lock()
	r, ok := m.requests[id]
	if !ok || r.Status != WithdrawalPending {
		m.mu.Unlock()
		return nil
	}
	_, destScript, err := m.deriver.DecodeDestination(r.Destination)
	if err != nil {
		m.mu.Unlock()
		return invariantf("queued request %d has undecodable destination: %v", id, err)
	}
	payout := r.Amount - r.KytFee
	inputs, err := m.utxos.SelectForWithdrawal(id, payout)
	if err != nil {
		return m.abandonLocked(ctx, r, err)
	}
	u, err := m.buildLocked(inputs, destScript, payout, fees.fee(len(inputs)))
	if err != nil {
		if rerr := m.utxos.Release(id, outPoints(inputs)); rerr != nil {
			m.mu.Unlock()
			return rerr
		}
		if errors.Is(err, errno.ErrAmountTooLow) {
			return m.abandonLocked(ctx, r, err)
		}
		m.mu.Unlock()
		return err
	}
	r.Inputs = outPoints(inputs)
	r.Status = WithdrawalSelected
	selected := r.clone()
	r.Status = WithdrawalSigningInFlight
	signing := r.clone()
	m.mu.Unlock()

	m.emit(ctx, Event{Kind: EventWithdrawalStatus, Account: r.Account, Withdrawal: selected})
	m.emit(ctx, Event{Kind: EventWithdrawalStatus, Account: r.Account, Withdrawal: signing})

	// 2. 签名 (可能很慢，期间队列继续服务其它调用)
	signed, err := m.deps.Signer.Sign(ctx, u, u.Paths)

	m.mu.Lock()
	if err != nil {
		rerr := m.utxos.Release(id, r.Inputs)
		r.Inputs = nil
		r.Status = WithdrawalPending
		m.mu.Unlock()
		if rerr != nil {
			return rerr
		}
		m.log.Warn("签名失败，释放输入等待重试", zap.Uint64("block_index", id), zap.Error(err))
		return nil
	}
	sub, err := m.recordSubmissionLocked(r, u, signed)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	submitted := r.clone()
	m.mu.Unlock()

	m.emit(ctx, Event{Kind: EventWithdrawalStatus, Account: r.Account, Withdrawal: submitted})

	// 3. 广播，失败只记日志，超时后会以更高手续费重发
	m.broadcast(ctx, id, sub)
	return nil
}

func outPoints(us []Utxo) []OutPoint {
	out := make([]OutPoint, len(us))
	for i, u := range us {
		out[i] = u.OutPoint
	}
	return out
}

// buildLocked 为给定输入构造待签交易，调用方持有 mu
func (m *Minter) buildLocked(inputs []Utxo, destScript []byte, payout, fee uint64) (*UnsignedTx, error) {
	scripts := make(map[OutPoint][]byte, len(inputs))
	for _, in := range inputs {
		script, err := m.deriver.ScriptForPath(in.DerivationPath)
		if err != nil {
			return nil, invariantf("derive script for %s: %v", in.OutPoint, err)
		}
		scripts[in.OutPoint] = script
	}
	return buildUnsignedTx(inputs, scripts, txOutputs{
		destScript:   destScript,
		changeScript: m.custody.pkScript,
		payout:       payout,
		fee:          fee,
	})
}

// recordSubmissionLocked 在广播之前记录 Submitted，保证重启后知道这笔交易
func (m *Minter) recordSubmissionLocked(r *WithdrawalRequest, u *UnsignedTx, signed *wire.MsgTx) (SubmittedTx, error) {
	if signed.TxHash() != u.TxHash() {
		return SubmittedTx{}, invariantf("signer changed the transaction of request %d", r.ID)
	}
	raw, err := serializeTx(signed)
	if err != nil {
		return SubmittedTx{}, genericError("serialize signed tx: %v", err)
	}
	sub := SubmittedTx{
		TxID:        signed.TxHash(),
		Fee:         u.Fee,
		DestValue:   u.DestValue,
		ChangeValue: u.ChangeValue,
		ChangeIndex: u.ChangeIndex,
		RawTx:       raw,
		SubmittedAt: m.deps.Clock.Now(),
	}
	r.Txs = append(r.Txs, sub)
	r.Status = WithdrawalSubmitted
	return sub, nil
}

func (m *Minter) broadcast(ctx context.Context, id uint64, sub SubmittedTx) {
	txid, err := m.deps.Indexer.SubmitTransaction(ctx, sub.RawTx)
	if err != nil {
		m.log.Warn("广播交易失败", zap.Uint64("block_index", id), zap.String("txid", sub.TxID.String()), zap.Error(err))
		return
	}
	if txid != sub.TxID {
		m.log.Warn("索引器返回的 txid 不一致", zap.String("expected", sub.TxID.String()), zap.String("got", txid.String()))
	}
	m.log.Info("交易已广播", zap.Uint64("block_index", id), zap.String("txid", sub.TxID.String()),
		zap.Uint64("fee", sub.Fee))
}

// abandonLocked 选币失败: 请求终结为 Refunded 并退还 burn 的金额
// 调用时持有 mu，返回前释放
func (m *Minter) abandonLocked(ctx context.Context, r *WithdrawalRequest, cause error) error {
	r.Status = WithdrawalRefunded
	r.Inputs = nil
	r.FinalizedAt = m.deps.Clock.Now()
	m.archiveLocked(r)
	snapshot := r.clone()
	m.mu.Unlock()

	m.log.Warn("提现无法完成，退款", zap.Uint64("block_index", r.ID), zap.Error(cause))
	task := newMintTask(r.Account, r.Amount, fmt.Sprintf("refund:%d", r.ID), "refund")
	idx, err := m.compensate(ctx, task)
	switch {
	case err == nil:
		m.mu.Lock()
		r.RefundBlockIndex = idx
		snapshot.RefundBlockIndex = idx
		m.mu.Unlock()
	case !errors.Is(err, errMintDeferred):
		m.log.Error("退款未能铸币也未能入队", zap.Uint64("block_index", r.ID), zap.Uint64("amount", r.Amount), zap.Error(err))
	}
	m.emit(ctx, Event{Kind: EventWithdrawalStatus, Account: r.Account, Withdrawal: snapshot, Amount: r.Amount})
	return cause
}
