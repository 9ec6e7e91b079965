package repository

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/mmeshcher/staking-ledger/internal/model"
)

var (
	stakePrefix   = []byte("s")
	balancePrefix = []byte("b")
	eventPrefix   = []byte("e")
	settingsKey   = []byte("cfg")
	eventSeqKey   = []byte("n")
)

// kvReader объединяет чтение из базы и из транзакции LevelDB.
type kvReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type stakeRLP struct {
	Owner        common.Address
	Asset        common.Address
	TotalStaked  uint64
	LastStaked   uint64
	RewardAmount uint64
	Plan         uint64
	EndTime      uint64
}

type settingsRLP struct {
	RewardAsset common.Address
	Admin       common.Address
}

type eventRLP struct {
	Topic     string
	Account   common.Address
	Asset     common.Address
	Amount    uint64
	Plan      uint64
	EndTime   uint64
	CreatedAt uint64
}

// LevelDBRepository хранит данные леджера во встроенной LevelDB.
// Транзакции выполняются строго последовательно.
type LevelDBRepository struct {
	db *leveldb.DB
	mu sync.Mutex
}

// NewLevelDBRepository открывает (или создаёт) базу в каталоге path.
func NewLevelDBRepository(path string) (*LevelDBRepository, error) {
	stg, err := storage.OpenFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return openLevelDB(stg)
}

// NewMemLevelDBRepository создаёт базу в памяти.
func NewMemLevelDBRepository() (*LevelDBRepository, error) {
	return openLevelDB(storage.NewMemStorage())
}

func openLevelDB(stg storage.Storage) (*LevelDBRepository, error) {
	db, err := leveldb.Open(stg, &opt.Options{
		Filter: filter.NewBloomFilter(10),
	})
	if err != nil {
		return nil, fmt.Errorf("open level db: %w", err)
	}
	return &LevelDBRepository{db: db}, nil
}

// Close закрывает базу.
func (r *LevelDBRepository) Close() error {
	return r.db.Close()
}

// InTx выполняет fn в транзакции LevelDB. Любая ошибка fn отбрасывает все изменения.
func (r *LevelDBRepository) InTx(ctx context.Context, fn TxFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tr, err := r.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(ctx, &levelTx{tr: tr}); err != nil {
		tr.Discard()
		return err
	}

	if err := tr.Commit(); err != nil {
		tr.Discard()
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetStake возвращает позицию аккаунта вне транзакции.
func (r *LevelDBRepository) GetStake(_ context.Context, account common.Address) (model.StakeRecord, bool, error) {
	return levelGetStake(r.db, account)
}

// GetSettings возвращает конфигурацию леджера.
func (r *LevelDBRepository) GetSettings(_ context.Context) (model.Settings, bool, error) {
	return levelGetSettings(r.db)
}

// GetBalance возвращает баланс держателя по активу.
func (r *LevelDBRepository) GetBalance(_ context.Context, asset, holder common.Address) (int64, error) {
	return levelGetBalance(r.db, asset, holder)
}

// GetEventsByAccount возвращает события аккаунта, новые первыми.
func (r *LevelDBRepository) GetEventsByAccount(_ context.Context, account common.Address) ([]model.Event, error) {
	iter := r.db.NewIterator(util.BytesPrefix(concat(eventPrefix, account.Bytes())), nil)
	defer iter.Release()

	var res []model.Event
	for iter.Next() {
		var stored eventRLP
		if err := rlp.DecodeBytes(iter.Value(), &stored); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		res = append(res, model.Event{
			Topic:     model.EventTopic(stored.Topic),
			Account:   stored.Account,
			Asset:     stored.Asset,
			Amount:    int64(stored.Amount),
			Plan:      model.Plan(stored.Plan),
			EndTime:   fromUnix(stored.EndTime),
			CreatedAt: fromUnix(stored.CreatedAt),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

type levelTx struct {
	tr *leveldb.Transaction
}

// LockAccount ничего не делает: InTx уже сериализует все транзакции.
func (t *levelTx) LockAccount(context.Context, common.Address) error {
	return nil
}

func (t *levelTx) LockAsset(context.Context, common.Address) error {
	return nil
}

func (t *levelTx) GetStake(_ context.Context, account common.Address) (model.StakeRecord, bool, error) {
	return levelGetStake(t.tr, account)
}

func (t *levelTx) PutStake(_ context.Context, rec model.StakeRecord) error {
	if rec.TotalStaked < 0 || rec.LastStaked < 0 || rec.RewardAmount < 0 {
		return fmt.Errorf("negative amount in stake record of %s", rec.Owner.Hex())
	}

	data, err := rlp.EncodeToBytes(&stakeRLP{
		Owner:        rec.Owner,
		Asset:        rec.Asset,
		TotalStaked:  uint64(rec.TotalStaked),
		LastStaked:   uint64(rec.LastStaked),
		RewardAmount: uint64(rec.RewardAmount),
		Plan:         uint64(rec.Plan),
		EndTime:      toUnix(rec.EndTime),
	})
	if err != nil {
		return fmt.Errorf("encode stake: %w", err)
	}

	if err := t.tr.Put(concat(stakePrefix, rec.Owner.Bytes()), data, nil); err != nil {
		return fmt.Errorf("put stake: %w", err)
	}
	return nil
}

func (t *levelTx) DeleteStake(_ context.Context, account common.Address) error {
	if err := t.tr.Delete(concat(stakePrefix, account.Bytes()), nil); err != nil {
		return fmt.Errorf("delete stake: %w", err)
	}
	return nil
}

func (t *levelTx) GetSettings(context.Context) (model.Settings, bool, error) {
	return levelGetSettings(t.tr)
}

func (t *levelTx) InitSettings(_ context.Context, s model.Settings) error {
	exists, err := t.tr.Has(settingsKey, nil)
	if err != nil {
		return fmt.Errorf("check settings: %w", err)
	}
	if exists {
		return ErrAlreadyInitialized
	}

	data, err := rlp.EncodeToBytes(&settingsRLP{RewardAsset: s.RewardAsset, Admin: s.Admin})
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := t.tr.Put(settingsKey, data, nil); err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}

func (t *levelTx) Transfer(ctx context.Context, asset, from, to common.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidTransfer
	}

	current, err := levelGetBalance(t.tr, asset, from)
	if err != nil {
		return err
	}
	if current < amount {
		return fmt.Errorf("%w: %s holds less than %d of %s", ErrInsufficientBalance, from.Hex(), amount, asset.Hex())
	}

	if err := t.putBalance(asset, from, current-amount); err != nil {
		return err
	}
	return t.Credit(ctx, asset, to, amount)
}

func (t *levelTx) Credit(_ context.Context, asset, to common.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidTransfer
	}

	current, err := levelGetBalance(t.tr, asset, to)
	if err != nil {
		return err
	}
	if current > math.MaxInt64-amount {
		return fmt.Errorf("%w: %s", ErrBalanceOverflow, to.Hex())
	}
	return t.putBalance(asset, to, current+amount)
}

func (t *levelTx) FreeBalance(_ context.Context, asset, holder common.Address) (int64, error) {
	balance, err := levelGetBalance(t.tr, asset, holder)
	if err != nil {
		return 0, err
	}

	iter := t.tr.NewIterator(util.BytesPrefix(stakePrefix), nil)
	defer iter.Release()

	var locked int64
	for iter.Next() {
		var stored stakeRLP
		if err := rlp.DecodeBytes(iter.Value(), &stored); err != nil {
			return 0, fmt.Errorf("decode stake: %w", err)
		}
		if stored.Asset == asset {
			locked += int64(stored.TotalStaked)
		}
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterate stakes: %w", err)
	}

	return balance - locked, nil
}

func (t *levelTx) putBalance(asset, holder common.Address, amount int64) error {
	data, err := rlp.EncodeToBytes(uint64(amount))
	if err != nil {
		return fmt.Errorf("encode balance: %w", err)
	}
	if err := t.tr.Put(balanceKey(asset, holder), data, nil); err != nil {
		return fmt.Errorf("put balance: %w", err)
	}
	return nil
}

func (t *levelTx) AppendEvent(_ context.Context, ev model.Event) error {
	var seq uint64
	raw, err := t.tr.Get(eventSeqKey, nil)
	switch {
	case err == nil:
		seq = binary.BigEndian.Uint64(raw)
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return fmt.Errorf("get event seq: %w", err)
	}
	seq++

	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)

	data, err := rlp.EncodeToBytes(&eventRLP{
		Topic:     string(ev.Topic),
		Account:   ev.Account,
		Asset:     ev.Asset,
		Amount:    uint64(ev.Amount),
		Plan:      uint64(ev.Plan),
		EndTime:   toUnix(ev.EndTime),
		CreatedAt: toUnix(ev.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if err := t.tr.Put(concat(eventPrefix, ev.Account.Bytes(), seqBytes[:]), data, nil); err != nil {
		return fmt.Errorf("put event: %w", err)
	}
	if err := t.tr.Put(eventSeqKey, seqBytes[:], nil); err != nil {
		return fmt.Errorf("put event seq: %w", err)
	}
	return nil
}

func levelGetStake(r kvReader, account common.Address) (model.StakeRecord, bool, error) {
	data, err := r.Get(concat(stakePrefix, account.Bytes()), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return model.StakeRecord{}, false, nil
		}
		return model.StakeRecord{}, false, fmt.Errorf("get stake: %w", err)
	}

	var stored stakeRLP
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return model.StakeRecord{}, false, fmt.Errorf("decode stake: %w", err)
	}

	return model.StakeRecord{
		Owner:        stored.Owner,
		Asset:        stored.Asset,
		TotalStaked:  int64(stored.TotalStaked),
		LastStaked:   int64(stored.LastStaked),
		RewardAmount: int64(stored.RewardAmount),
		Plan:         model.Plan(stored.Plan),
		EndTime:      fromUnix(stored.EndTime),
	}, true, nil
}

func levelGetSettings(r kvReader) (model.Settings, bool, error) {
	data, err := r.Get(settingsKey, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return model.Settings{}, false, nil
		}
		return model.Settings{}, false, fmt.Errorf("get settings: %w", err)
	}

	var stored settingsRLP
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return model.Settings{}, false, fmt.Errorf("decode settings: %w", err)
	}
	return model.Settings{RewardAsset: stored.RewardAsset, Admin: stored.Admin}, true, nil
}

func levelGetBalance(r kvReader, asset, holder common.Address) (int64, error) {
	data, err := r.Get(balanceKey(asset, holder), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}

	var amount uint64
	if err := rlp.DecodeBytes(data, &amount); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	return int64(amount), nil
}

func balanceKey(asset, holder common.Address) []byte {
	return concat(balancePrefix, asset.Bytes(), holder.Bytes())
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	key := make([]byte, 0, n)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

func toUnix(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())
}

func fromUnix(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}
