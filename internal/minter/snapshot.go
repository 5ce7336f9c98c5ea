package minter

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"btc-minter/pkg/crypto_util"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"
)

// SnapshotVersion 当前快照格式版本，每条记录都带版本号
//
//	v1: utxo 没有派生路径，提现只有单个 txid，没有幂等键，配置没有模式
//	v2: 当前格式
const SnapshotVersion = 2

var ErrNoSnapshot = errors.New("no snapshot")

// SnapshotStore 升级边界上的持久化
type SnapshotStore interface {
	Save(ctx context.Context, data []byte) error
	// Load 没有快照时返回 ErrNoSnapshot
	Load(ctx context.Context) ([]byte, error)
}

type Snapshot struct {
	Version     int                `json:"version"`
	XPub        string             `json:"xpub"`
	TakenAt     time.Time          `json:"taken_at"`
	Config      ConfigRecord       `json:"config"`
	Utxos       []UtxoRecord       `json:"utxos"`
	Screened    []ScreenedRecord   `json:"screened,omitempty"`
	Withdrawals []WithdrawalRecord `json:"withdrawals"`
	Keys        map[string]uint64  `json:"idempotency_keys,omitempty"`
	Checksum    string             `json:"checksum,omitempty"`
}

type ConfigRecord struct {
	V                    int      `json:"v"`
	Network              string   `json:"network"`
	MinterID             string   `json:"minter_id"`
	EcdsaKeyName         string   `json:"ecdsa_key_name"`
	MinConfirmations     uint32   `json:"min_confirmations"`
	RetrieveBtcMinAmount uint64   `json:"retrieve_btc_min_amount"`
	MaxTimeInQueueNanos  int64    `json:"max_time_in_queue_nanos"`
	KytFee               uint64   `json:"kyt_fee"`
	KytPrincipal         string   `json:"kyt_principal,omitempty"`
	ScreeningEnabled     bool     `json:"screening_enabled"`
	LedgerID             string   `json:"ledger_id"`
	Mode                 string   `json:"mode,omitempty"` // v1 没有
	ModeAllowList        []string `json:"mode_allow_list,omitempty"`
	Controllers          []string `json:"controllers,omitempty"`
}

type UtxoRecord struct {
	V            int      `json:"v"`
	OutPoint     string   `json:"outpoint"`
	Value        uint64   `json:"value"`
	Height       uint32   `json:"height,omitempty"`
	Path         []uint32 `json:"path,omitempty"` // v1 没有，按身份重新派生
	Owner        string   `json:"owner"`
	Subaccount   string   `json:"subaccount,omitempty"`
	State        string   `json:"state"`
	ReservedBy   uint64   `json:"reserved_by,omitempty"`
	MintedAmount uint64   `json:"minted_amount"`
	BlockIndex   uint64   `json:"block_index"`
	Change       bool     `json:"change,omitempty"`
}

type ScreenedRecord struct {
	V          int      `json:"v"`
	Kind       string   `json:"kind"` // checked | tainted | ignored
	OutPoint   string   `json:"outpoint"`
	Value      uint64   `json:"value"`
	Height     uint32   `json:"height,omitempty"`
	Path       []uint32 `json:"path,omitempty"`
	Owner      string   `json:"owner"`
	Subaccount string   `json:"subaccount,omitempty"`
}

type SubmittedTxRecord struct {
	TxID        string    `json:"txid"`
	Fee         uint64    `json:"fee"`
	DestValue   uint64    `json:"dest_value"`
	ChangeValue uint64    `json:"change_value"`
	ChangeIndex int32     `json:"change_index"`
	RawTx       string    `json:"raw_tx"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type WithdrawalRecord struct {
	V                int                 `json:"v"`
	ID               uint64              `json:"id"`
	IdempotencyKey   string              `json:"idempotency_key,omitempty"` // v1 没有
	Owner            string              `json:"owner"`
	Subaccount       string              `json:"subaccount,omitempty"`
	Destination      string              `json:"destination"`
	Amount           uint64              `json:"amount"`
	KytFee           uint64              `json:"kyt_fee"`
	RequestedAt      time.Time           `json:"requested_at"`
	Status           string              `json:"status"`
	Inputs           []string            `json:"inputs,omitempty"`
	Txs              []SubmittedTxRecord `json:"txs,omitempty"`
	RefundBlockIndex uint64              `json:"refund_block_index,omitempty"`
	FinalizedAt      time.Time           `json:"finalized_at,omitempty"`

	// v1
	LegacyTxID  string `json:"txid,omitempty"`
	LegacyRawTx string `json:"raw_tx,omitempty"`
	LegacyFee   uint64 `json:"fee,omitempty"`
}

func subaccountHex(s Subaccount) string {
	if s.IsZero() {
		return ""
	}
	return s.String()
}

// Snapshot 捕获全部托管状态
func (m *Minter) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.cfg
	snap := &Snapshot{
		Version: SnapshotVersion,
		XPub:    m.xpub,
		TakenAt: m.deps.Clock.Now().UTC(),
		Config: ConfigRecord{
			V:                    SnapshotVersion,
			Network:              c.Network,
			MinterID:             c.MinterID,
			EcdsaKeyName:         c.EcdsaKeyName,
			MinConfirmations:     c.MinConfirmations,
			RetrieveBtcMinAmount: c.RetrieveBtcMinAmount,
			MaxTimeInQueueNanos:  int64(c.MaxTimeInQueue),
			KytFee:               c.KytFee,
			KytPrincipal:         c.KytPrincipal,
			ScreeningEnabled:     c.ScreeningEnabled,
			LedgerID:             c.LedgerID,
			Mode:                 string(c.Mode.Kind),
			ModeAllowList:        append([]string(nil), c.Mode.AllowList...),
			Controllers:          append([]string(nil), c.Controllers...),
		},
		Keys: make(map[string]uint64, len(m.idemKeys)),
	}

	for _, u := range m.utxos.credited {
		snap.Utxos = append(snap.Utxos, UtxoRecord{
			V:            SnapshotVersion,
			OutPoint:     u.OutPoint.String(),
			Value:        u.Value,
			Height:       u.Height,
			Path:         append([]uint32(nil), u.DerivationPath...),
			Owner:        u.Account.Owner,
			Subaccount:   subaccountHex(u.Account.Subaccount),
			State:        string(u.State),
			ReservedBy:   u.ReservedBy,
			MintedAmount: u.MintedAmount,
			BlockIndex:   u.BlockIndex,
			Change:       u.Change,
		})
	}
	sort.Slice(snap.Utxos, func(i, j int) bool { return snap.Utxos[i].OutPoint < snap.Utxos[j].OutPoint })

	for kind, set := range map[string]map[OutPoint]ScreenedUtxo{
		"checked": m.utxos.checked,
		"tainted": m.utxos.tainted,
		"ignored": m.utxos.ignored,
	} {
		for _, s := range set {
			snap.Screened = append(snap.Screened, ScreenedRecord{
				V:          SnapshotVersion,
				Kind:       kind,
				OutPoint:   s.OutPoint.String(),
				Value:      s.Value,
				Height:     s.Height,
				Path:       append([]uint32(nil), s.DerivationPath...),
				Owner:      s.Account.Owner,
				Subaccount: subaccountHex(s.Account.Subaccount),
			})
		}
	}
	sort.Slice(snap.Screened, func(i, j int) bool {
		if snap.Screened[i].Kind != snap.Screened[j].Kind {
			return snap.Screened[i].Kind < snap.Screened[j].Kind
		}
		return snap.Screened[i].OutPoint < snap.Screened[j].OutPoint
	})

	for _, set := range []map[uint64]*WithdrawalRequest{m.requests, m.archive} {
		for _, r := range set {
			snap.Withdrawals = append(snap.Withdrawals, withdrawalRecord(r))
		}
	}
	sort.Slice(snap.Withdrawals, func(i, j int) bool { return snap.Withdrawals[i].ID < snap.Withdrawals[j].ID })

	for k, id := range m.idemKeys {
		snap.Keys[k] = id
	}
	return snap
}

func withdrawalRecord(r *WithdrawalRequest) WithdrawalRecord {
	rec := WithdrawalRecord{
		V:                SnapshotVersion,
		ID:               r.ID,
		IdempotencyKey:   r.IdempotencyKey,
		Owner:            r.Account.Owner,
		Subaccount:       subaccountHex(r.Account.Subaccount),
		Destination:      r.Destination,
		Amount:           r.Amount,
		KytFee:           r.KytFee,
		RequestedAt:      r.RequestedAt.UTC(),
		Status:           string(r.Status),
		RefundBlockIndex: r.RefundBlockIndex,
		FinalizedAt:      r.FinalizedAt.UTC(),
	}
	for _, op := range r.Inputs {
		rec.Inputs = append(rec.Inputs, op.String())
	}
	for _, tx := range r.Txs {
		rec.Txs = append(rec.Txs, SubmittedTxRecord{
			TxID:        tx.TxID.String(),
			Fee:         tx.Fee,
			DestValue:   tx.DestValue,
			ChangeValue: tx.ChangeValue,
			ChangeIndex: tx.ChangeIndex,
			RawTx:       hex.EncodeToString(tx.RawTx),
			SubmittedAt: tx.SubmittedAt.UTC(),
		})
	}
	return rec
}

// EncodeSnapshot 序列化并写入 blake3 校验和
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	c := *s
	c.Checksum = ""
	body, err := json.Marshal(&c)
	if err != nil {
		return nil, err
	}
	c.Checksum = crypto_util.CalculateBlake3(body)
	return json.MarshalIndent(&c, "", "  ")
}

// DecodeSnapshot 校验并把旧版本记录升级到当前版本
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Checksum != "" {
		want := s.Checksum
		s.Checksum = ""
		body, err := json.Marshal(&s)
		if err != nil {
			return nil, err
		}
		if got := crypto_util.CalculateBlake3(body); got != want {
			return nil, errors.New("snapshot checksum mismatch")
		}
	}
	if s.Version == 0 {
		s.Version = 1
	}
	if s.Version > SnapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", s.Version, SnapshotVersion)
	}
	upgradeRecords(&s)
	return &s, nil
}

// upgradeRecords 读旧版本、填默认值，之后以当前版本重新保存
func upgradeRecords(s *Snapshot) {
	if s.Config.V < 2 {
		if s.Config.Mode == "" {
			s.Config.Mode = string(ModeGeneralAvailability)
		}
		s.Config.V = SnapshotVersion
	}
	for i := range s.Utxos {
		u := &s.Utxos[i]
		if u.V < 2 {
			// 路径在 Restore 时按身份重新派生
			u.V = SnapshotVersion
		}
	}
	for i := range s.Screened {
		s.Screened[i].V = SnapshotVersion
	}
	for i := range s.Withdrawals {
		w := &s.Withdrawals[i]
		if w.V < 2 {
			if w.IdempotencyKey == "" {
				w.IdempotencyKey = fmt.Sprintf("legacy:%d", w.ID)
			}
			if w.LegacyTxID != "" && len(w.Txs) == 0 {
				w.Txs = []SubmittedTxRecord{{
					TxID:        w.LegacyTxID,
					Fee:         w.LegacyFee,
					ChangeIndex: -1,
					RawTx:       w.LegacyRawTx,
					SubmittedAt: w.RequestedAt,
				}}
			}
			w.LegacyTxID, w.LegacyRawTx, w.LegacyFee = "", "", 0
			w.V = SnapshotVersion
		}
	}
	if s.Keys == nil {
		s.Keys = make(map[string]uint64)
	}
	for _, w := range s.Withdrawals {
		if _, ok := s.Keys[w.IdempotencyKey]; !ok {
			s.Keys[w.IdempotencyKey] = w.ID
		}
	}
	s.Version = SnapshotVersion
}

func (r ConfigRecord) config() (Config, error) {
	mode, err := ParseMode(r.Mode, r.ModeAllowList)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Network:              r.Network,
		MinterID:             r.MinterID,
		EcdsaKeyName:         r.EcdsaKeyName,
		MinConfirmations:     r.MinConfirmations,
		RetrieveBtcMinAmount: r.RetrieveBtcMinAmount,
		MaxTimeInQueue:       time.Duration(r.MaxTimeInQueueNanos),
		KytFee:               r.KytFee,
		KytPrincipal:         r.KytPrincipal,
		ScreeningEnabled:     r.ScreeningEnabled,
		LedgerID:             r.LedgerID,
		Mode:                 mode,
		Controllers:          append([]string(nil), r.Controllers...),
	}, nil
}

func recordAccount(owner, sub string) (Account, error) {
	s, err := ParseSubaccountHex(sub)
	if err != nil {
		return Account{}, err
	}
	return Account{Owner: owner, Subaccount: s}, nil
}

// Restore 从快照重建状态，可同时应用升级参数
// 重启时处于 Selected / SigningInFlight 且尚未广播的请求释放输入回到 Pending
func Restore(s *Snapshot, deps Deps, upgrade *UpgradeArgs) (*Minter, []string, error) {
	cfg, err := s.Config.config()
	if err != nil {
		return nil, nil, err
	}
	cfg, warnings, err := cfg.Apply(upgrade)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	m, err := newMinter(cfg, s.XPub, deps)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range warnings {
		m.log.Warn("升级参数被部分忽略", zap.String("reason", w))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 1. UTXO
	for _, rec := range s.Utxos {
		op, err := ParseOutPoint(rec.OutPoint)
		if err != nil {
			return nil, nil, err
		}
		acc, err := recordAccount(rec.Owner, rec.Subaccount)
		if err != nil {
			return nil, nil, err
		}
		path := rec.Path
		if len(path) == 0 {
			path = DerivationPath(acc)
		}
		if _, dup := m.utxos.credited[op]; dup {
			return nil, nil, invariantf("snapshot lists %s twice", op)
		}
		m.utxos.insert(&CreditedUtxo{
			Utxo:         Utxo{OutPoint: op, Value: rec.Value, Height: rec.Height, DerivationPath: path},
			Account:      acc,
			State:        UtxoState(rec.State),
			ReservedBy:   rec.ReservedBy,
			MintedAmount: rec.MintedAmount,
			BlockIndex:   rec.BlockIndex,
			Change:       rec.Change,
		})
	}
	for _, rec := range s.Screened {
		op, err := ParseOutPoint(rec.OutPoint)
		if err != nil {
			return nil, nil, err
		}
		acc, err := recordAccount(rec.Owner, rec.Subaccount)
		if err != nil {
			return nil, nil, err
		}
		path := rec.Path
		if len(path) == 0 {
			path = DerivationPath(acc)
		}
		u := Utxo{OutPoint: op, Value: rec.Value, Height: rec.Height, DerivationPath: path}
		switch rec.Kind {
		case "checked":
			m.utxos.MarkChecked(u, acc)
		case "tainted":
			m.utxos.MarkTainted(u, acc)
		case "ignored":
			m.utxos.MarkIgnored(u, acc)
		default:
			return nil, nil, fmt.Errorf("unknown screened kind %q", rec.Kind)
		}
	}

	// 2. 提现队列
	for _, rec := range s.Withdrawals {
		r, err := rec.request()
		if err != nil {
			return nil, nil, err
		}
		if r.Status.Final() {
			m.archive[r.ID] = r
			continue
		}
		m.requests[r.ID] = r
	}
	for k, id := range s.Keys {
		m.idemKeys[k] = id
	}

	// 3. 中断的流水线回到上一个稳定状态
	for _, r := range m.requests {
		switch r.Status {
		case WithdrawalSelected, WithdrawalSigningInFlight, WithdrawalTimedOut:
			if len(r.Txs) > 0 {
				r.Status = WithdrawalSubmitted
				continue
			}
			if err := m.utxos.Release(r.ID, r.Inputs); err != nil {
				return nil, nil, err
			}
			r.Inputs = nil
			r.Status = WithdrawalPending
		}
	}

	if err := m.checkInvariantsLocked(); err != nil {
		return nil, nil, err
	}
	m.log.Info("从快照恢复",
		zap.Int("utxos", len(m.utxos.credited)),
		zap.Int("withdrawals", len(m.requests)),
		zap.Int("archived", len(m.archive)))
	return m, warnings, nil
}

func (rec WithdrawalRecord) request() (*WithdrawalRequest, error) {
	acc, err := recordAccount(rec.Owner, rec.Subaccount)
	if err != nil {
		return nil, err
	}
	r := &WithdrawalRequest{
		ID:               rec.ID,
		IdempotencyKey:   rec.IdempotencyKey,
		Account:          acc,
		Destination:      rec.Destination,
		Amount:           rec.Amount,
		KytFee:           rec.KytFee,
		RequestedAt:      rec.RequestedAt,
		Status:           WithdrawalStatus(rec.Status),
		RefundBlockIndex: rec.RefundBlockIndex,
		FinalizedAt:      rec.FinalizedAt,
	}
	for _, s := range rec.Inputs {
		op, err := ParseOutPoint(s)
		if err != nil {
			return nil, err
		}
		r.Inputs = append(r.Inputs, op)
	}
	for _, t := range rec.Txs {
		h, err := chainhash.NewHashFromStr(t.TxID)
		if err != nil {
			return nil, fmt.Errorf("withdrawal %d: %w", rec.ID, err)
		}
		raw, err := hex.DecodeString(t.RawTx)
		if err != nil {
			return nil, fmt.Errorf("withdrawal %d raw tx: %w", rec.ID, err)
		}
		r.Txs = append(r.Txs, SubmittedTx{
			TxID:        *h,
			Fee:         t.Fee,
			DestValue:   t.DestValue,
			ChangeValue: t.ChangeValue,
			ChangeIndex: t.ChangeIndex,
			RawTx:       raw,
			SubmittedAt: t.SubmittedAt,
		})
	}
	return r, nil
}

// SaveSnapshot 编码后写入存储
func (m *Minter) SaveSnapshot(ctx context.Context, store SnapshotStore) error {
	data, err := EncodeSnapshot(m.Snapshot())
	if err != nil {
		return err
	}
	return store.Save(ctx, data)
}

// LoadOrInstall 有快照则恢复 (并应用升级参数)，否则用安装参数新建
func LoadOrInstall(ctx context.Context, store SnapshotStore, install Config, xpub string, upgrade *UpgradeArgs,
	deps Deps) (*Minter, error) {
	data, err := store.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return New(install, xpub, deps)
	}
	if err != nil {
		return nil, err
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	m, _, err := Restore(snap, deps, upgrade)
	return m, err
}
