// Package modeltest provides an in-memory model.Storage for tests.
package modeltest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go-monitor/internal/model"
)

type lockKey struct {
	table string
	id    int64
}

// MemoryStorage keeps every table in maps. Writes are applied in place and
// undone on Rollback; row locks are owned by the transaction that took them
// until it commits or rolls back. A lock held by another transaction is
// reported busy immediately, whatever the timeout.
type MemoryStorage struct {
	mu         sync.Mutex
	lastId     int64
	batches    map[model.BatchId]model.Batch
	batchInsts map[model.BatchInstId]model.BatchInst
	items      map[model.BatchItemId]model.BatchItem
	jobs       map[model.JobId]model.Job
	jobInsts   map[model.JobInstId]model.JobInst
	metrics    map[int64]model.JobInstMetric
	cancels    map[model.JobInstId]model.CancelRequest
	checkIns   map[string]time.Time
	locks      map[lockKey]*memoryTx
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		batches:    make(map[model.BatchId]model.Batch),
		batchInsts: make(map[model.BatchInstId]model.BatchInst),
		items:      make(map[model.BatchItemId]model.BatchItem),
		jobs:       make(map[model.JobId]model.Job),
		jobInsts:   make(map[model.JobInstId]model.JobInst),
		metrics:    make(map[int64]model.JobInstMetric),
		cancels:    make(map[model.JobInstId]model.CancelRequest),
		checkIns:   make(map[string]time.Time),
		locks:      make(map[lockKey]*memoryTx),
	}
}

func (st *MemoryStorage) Begin(ctx context.Context) (model.Tx, error) {
	return &memoryTx{st: st}, nil
}

func (st *MemoryStorage) Close() error {
	return nil
}

func (st *MemoryStorage) nextId() int64 {
	st.lastId++
	return st.lastId
}

func (st *MemoryStorage) AddBatch(batch model.Batch) model.BatchId {
	st.mu.Lock()
	defer st.mu.Unlock()
	batch.Id = model.BatchId(st.nextId())
	st.batches[batch.Id] = batch
	return batch.Id
}

func (st *MemoryStorage) AddJob(job model.Job) model.JobId {
	st.mu.Lock()
	defer st.mu.Unlock()
	job.Id = model.JobId(st.nextId())
	st.jobs[job.Id] = job
	return job.Id
}

// AddBatchItem stores item; GroupJob and GroupBatch are derived from the
// job and batch on read.
func (st *MemoryStorage) AddBatchItem(item model.BatchItem) model.BatchItemId {
	st.mu.Lock()
	defer st.mu.Unlock()
	item.Id = model.BatchItemId(st.nextId())
	st.items[item.Id] = item
	return item.Id
}

func (st *MemoryStorage) Batch(id model.BatchId) model.Batch {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.batches[id]
}

func (st *MemoryStorage) BatchInsts() []model.BatchInst {
	st.mu.Lock()
	defer st.mu.Unlock()
	return sortedValues(st.batchInsts, func(i model.BatchInst) int64 { return int64(i.Id) })
}

func (st *MemoryStorage) JobInsts() []model.JobInst {
	st.mu.Lock()
	defer st.mu.Unlock()
	return sortedValues(st.jobInsts, func(i model.JobInst) int64 { return int64(i.Id) })
}

// SetJobInstStatus overwrites a status outside of any transaction, the way
// a job runner process would.
func (st *MemoryStorage) SetJobInstStatus(id model.JobInstId, status model.JobInstStatus) {
	st.mu.Lock()
	defer st.mu.Unlock()
	inst := st.jobInsts[id]
	inst.Status = status
	st.jobInsts[id] = inst
}

// PutJobInst inserts or replaces a job instance outside of any transaction.
func (st *MemoryStorage) PutJobInst(inst model.JobInst) model.JobInstId {
	st.mu.Lock()
	defer st.mu.Unlock()
	if inst.Id == 0 {
		inst.Id = model.JobInstId(st.nextId())
	}
	st.jobInsts[inst.Id] = inst
	return inst.Id
}

// Metrics returns the history of job instance id, oldest first.
func (st *MemoryStorage) Metrics(id model.JobInstId) []model.JobInstMetric {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.metricsOf(id)
}

func (st *MemoryStorage) metricsOf(id model.JobInstId) []model.JobInstMetric {
	result := make([]model.JobInstMetric, 0)
	for _, metric := range sortedValues(st.metrics, func(m model.JobInstMetric) int64 { return m.Id }) {
		if metric.JobInstId == id {
			result = append(result, metric)
		}
	}
	return result
}

func sortedValues[K comparable, V any](m map[K]V, key func(V) int64) []V {
	result := make([]V, 0, len(m))
	for _, v := range m {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return key(result[i]) < key(result[j]) })
	return result
}

type memoryTx struct {
	st    *MemoryStorage
	undo  []func()
	locks []lockKey
	done  bool
}

var errTxDone = errors.New("transaction has already been committed or rolled back")

func (t *memoryTx) Commit() error {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.finish()
	return nil
}

func (t *memoryTx) Rollback() error {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if t.done {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.finish()
	return nil
}

func (t *memoryTx) finish() {
	for _, key := range t.locks {
		if t.st.locks[key] == t {
			delete(t.st.locks, key)
		}
	}
	t.locks = nil
	t.undo = nil
	t.done = true
}

func (t *memoryTx) begin() (func(), error) {
	t.st.mu.Lock()
	if t.done {
		t.st.mu.Unlock()
		return nil, errTxDone
	}
	return t.st.mu.Unlock, nil
}

func (t *memoryTx) lock(key lockKey) error {
	if owner, ok := t.st.locks[key]; ok && owner != t {
		return model.ErrorLockBusy
	}
	if _, ok := t.st.locks[key]; !ok {
		t.st.locks[key] = t
		t.locks = append(t.locks, key)
	}
	return nil
}

func putUndo[K comparable, V any](t *memoryTx, m map[K]V, key K) {
	old, existed := m[key]
	t.undo = append(t.undo, func() {
		if existed {
			m[key] = old
		} else {
			delete(m, key)
		}
	})
}

func (t *memoryTx) DueBatches(ctx context.Context, now time.Time) ([]model.Batch, error) {
	unlock, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]model.Batch, 0)
	for _, batch := range t.st.batches {
		if batch.ParentId == 0 && batch.Status == model.BatchActive && !batch.RunDate.After(now) {
			result = append(result, batch)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RunDate.Equal(result[j].RunDate) {
			return result[i].RunDate.Before(result[j].RunDate)
		}
		return result[i].Id < result[j].Id
	})
	return result, nil
}

func (t *memoryTx) ChildBatches(ctx context.Context, parent model.BatchId) ([]model.Batch, error) {
	unlock, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]model.Batch, 0)
	for _, batch := range t.st.batches {
		if batch.ParentId == parent && batch.Status == model.BatchActive {
			result = append(result, batch)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result, nil
}

func (t *memoryTx) LockBatch(ctx context.Context, id model.BatchId, timeout time.Duration) (model.Batch, error) {
	unlock, err := t.begin()
	if err != nil {
		return model.Batch{}, err
	}
	defer unlock()

	batch, ok := t.st.batches[id]
	if !ok {
		return model.Batch{}, model.ErrorNotFound
	}
	if err = t.lock(lockKey{"batch", int64(id)}); err != nil {
		return model.Batch{}, err
	}
	return batch, nil
}

func (t *memoryTx) UpdateBatch(ctx context.Context, batch model.Batch) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	current, ok := t.st.batches[batch.Id]
	if !ok {
		return model.ErrorNotFound
	}
	putUndo(t, t.st.batches, batch.Id)
	current.RunDate = batch.RunDate
	current.Status = batch.Status
	t.st.batches[batch.Id] = current
	return nil
}

func (t *memoryTx) UnfinishedBatchInst(ctx context.Context, batch model.BatchId) (model.BatchInst, bool, error) {
	unlock, err := t.begin()
	if err != nil {
		return model.BatchInst{}, false, err
	}
	defer unlock()

	for _, inst := range sortedValues(t.st.batchInsts, func(i model.BatchInst) int64 { return int64(i.Id) }) {
		if inst.BatchId == batch && inst.Status != model.BatchInstCompleted {
			return inst, true, nil
		}
	}
	return model.BatchInst{}, false, nil
}

func (t *memoryTx) InsertBatchInst(ctx context.Context, inst *model.BatchInst) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	inst.Id = model.BatchInstId(t.st.nextId())
	putUndo(t, t.st.batchInsts, inst.Id)
	t.st.batchInsts[inst.Id] = *inst
	return nil
}

func (t *memoryTx) GetBatchInst(ctx context.Context, id model.BatchInstId) (model.BatchInst, error) {
	unlock, err := t.begin()
	if err != nil {
		return model.BatchInst{}, err
	}
	defer unlock()

	inst, ok := t.st.batchInsts[id]
	if !ok {
		return model.BatchInst{}, model.ErrorNotFound
	}
	return inst, nil
}

func (t *memoryTx) BatchInstsForProcessing(ctx context.Context, now time.Time) ([]model.BatchInst, error) {
	unlock, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]model.BatchInst, 0)
	for _, inst := range sortedValues(t.st.batchInsts, func(i model.BatchInst) int64 { return int64(i.Id) }) {
		if inst.Status != model.BatchInstPending || inst.RunDate.After(now) {
			continue
		}
		if inst.ParentId != 0 && t.st.batchInsts[inst.ParentId].Status != model.BatchInstCompleted {
			continue
		}
		result = append(result, inst)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].RunDate.Before(result[j].RunDate) })
	return result, nil
}

func (t *memoryTx) FinishedBatchInsts(ctx context.Context) ([]model.BatchInst, error) {
	unlock, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]model.BatchInst, 0)
	for _, inst := range sortedValues(t.st.batchInsts, func(i model.BatchInst) int64 { return int64(i.Id) }) {
		if inst.Status != model.BatchInstBusy {
			continue
		}
		finished := true
		for _, jobInst := range t.st.jobInsts {
			if jobInst.BatchInstId == inst.Id && !jobInst.Status.Terminal() {
				finished = false
				break
			}
		}
		for _, child := range t.st.batchInsts {
			if child.ParentId == inst.Id && child.Status == model.BatchInstBusy {
				finished = false
				break
			}
		}
		if finished {
			result = append(result, inst)
		}
	}
	return result, nil
}

func (t *memoryTx) LockBatchInst(ctx context.Context, id model.BatchInstId, timeout time.Duration) (model.BatchInst, error) {
	unlock, err := t.begin()
	if err != nil {
		return model.BatchInst{}, err
	}
	defer unlock()

	inst, ok := t.st.batchInsts[id]
	if !ok {
		return model.BatchInst{}, model.ErrorNotFound
	}
	if err = t.lock(lockKey{"batchinst", int64(id)}); err != nil {
		return model.BatchInst{}, err
	}
	return inst, nil
}

func (t *memoryTx) UpdateBatchInst(ctx context.Context, inst model.BatchInst) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	current, ok := t.st.batchInsts[inst.Id]
	if !ok {
		return model.ErrorNotFound
	}
	putUndo(t, t.st.batchInsts, inst.Id)
	current.Status = inst.Status
	current.StartDate = inst.StartDate
	current.EndDate = inst.EndDate
	t.st.batchInsts[inst.Id] = current
	return nil
}

func (t *memoryTx) BatchItems(ctx context.Context, batch model.BatchId) ([]model.BatchItem, error) {
	unlock, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]model.BatchItem, 0)
	for _, item := range t.st.items {
		if item.BatchId != batch {
			continue
		}
		item.GroupJob = t.st.jobs[item.JobId].GroupId
		item.GroupBatch = t.st.batches[item.BatchId].GroupId
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].Id < result[j].Id
	})
	return result, nil
}

func (t *memoryTx) GetJob(ctx context.Context, id model.JobId) (model.Job, error) {
	unlock, err := t.begin()
	if err != nil {
		return model.Job{}, err
	}
	defer unlock()

	job, ok := t.st.jobs[id]
	if !ok {
		return model.Job{}, model.ErrorNotFound
	}
	return job, nil
}

func (t *memoryTx) InsertJobInst(ctx context.Context, inst *model.JobInst) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	inst.Id = model.JobInstId(t.st.nextId())
	putUndo(t, t.st.jobInsts, inst.Id)
	t.st.jobInsts[inst.Id] = *inst
	return nil
}

func (t *memoryTx) GetJobInst(ctx context.Context, id model.JobInstId) (model.JobInst, error) {
	unlock, err := t.begin()
	if err != nil {
		return model.JobInst{}, err
	}
	defer unlock()

	inst, ok := t.st.jobInsts[id]
	if !ok {
		return model.JobInst{}, model.ErrorNotFound
	}
	return inst, nil
}

func (t *memoryTx) JobInstsReadyToRun(ctx context.Context) ([]model.JobInst, error) {
	unlock, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]model.JobInst, 0)
	for _, inst := range t.st.jobInsts {
		if inst.Status != model.JobInstPending {
			continue
		}
		if inst.PrevJobInst != 0 && !t.st.jobInsts[inst.PrevJobInst].Status.Terminal() {
			continue
		}
		result = append(result, inst)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].Id < result[j].Id
	})
	return result, nil
}

func (t *memoryTx) JobInstsByStatus(ctx context.Context, status model.JobInstStatus) ([]model.JobInst, error) {
	unlock, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]model.JobInst, 0)
	for _, inst := range sortedValues(t.st.jobInsts, func(i model.JobInst) int64 { return int64(i.Id) }) {
		if inst.Status == status {
			result = append(result, inst)
		}
	}
	return result, nil
}

func (t *memoryTx) LockJobInst(ctx context.Context, id model.JobInstId, timeout time.Duration) (model.JobInst, error) {
	unlock, err := t.begin()
	if err != nil {
		return model.JobInst{}, err
	}
	defer unlock()

	inst, ok := t.st.jobInsts[id]
	if !ok {
		return model.JobInst{}, model.ErrorNotFound
	}
	if err = t.lock(lockKey{"jobinst", int64(id)}); err != nil {
		return model.JobInst{}, err
	}
	return inst, nil
}

func (t *memoryTx) UpdateJobInst(ctx context.Context, inst model.JobInst) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	current, ok := t.st.jobInsts[inst.Id]
	if !ok {
		return model.ErrorNotFound
	}
	putUndo(t, t.st.jobInsts, inst.Id)
	current.Status = inst.Status
	t.st.jobInsts[inst.Id] = current
	return nil
}

func (t *memoryTx) InsertJobInstMetric(ctx context.Context, metric *model.JobInstMetric) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := t.st.jobInsts[metric.JobInstId]; !ok {
		return model.ErrorNotFound
	}
	metric.Id = t.st.nextId()
	putUndo(t, t.st.metrics, metric.Id)
	t.st.metrics[metric.Id] = *metric
	return nil
}

func (t *memoryTx) JobInstMetrics(ctx context.Context, id model.JobInstId) ([]model.JobInstMetric, error) {
	unlock, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	return t.st.metricsOf(id), nil
}

func (t *memoryTx) RequestCancel(ctx context.Context, req model.CancelRequest) (bool, error) {
	unlock, err := t.begin()
	if err != nil {
		return false, err
	}
	defer unlock()

	if _, ok := t.st.cancels[req.JobInstId]; ok {
		return false, nil
	}
	putUndo(t, t.st.cancels, req.JobInstId)
	t.st.cancels[req.JobInstId] = req
	return true, nil
}

func (t *memoryTx) CancelRequested(ctx context.Context, id model.JobInstId) (model.CancelRequest, bool, error) {
	unlock, err := t.begin()
	if err != nil {
		return model.CancelRequest{}, false, err
	}
	defer unlock()

	req, ok := t.st.cancels[id]
	return req, ok, nil
}

func (t *memoryTx) DeleteCancelRequest(ctx context.Context, id model.JobInstId) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	putUndo(t, t.st.cancels, id)
	delete(t.st.cancels, id)
	return nil
}

func (t *memoryTx) CheckIn(ctx context.Context, checkIn model.CheckIn) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	putUndo(t, t.st.checkIns, checkIn.Instance)
	t.st.checkIns[checkIn.Instance] = checkIn.Stamp
	return nil
}

func (t *memoryTx) LastCheckIn(ctx context.Context) (model.CheckIn, error) {
	unlock, err := t.begin()
	if err != nil {
		return model.CheckIn{}, err
	}
	defer unlock()

	var last model.CheckIn
	for instance, stamp := range t.st.checkIns {
		if stamp.After(last.Stamp) {
			last = model.CheckIn{Instance: instance, Stamp: stamp}
		}
	}
	if last.Instance == "" {
		return model.CheckIn{}, model.ErrorNotFound
	}
	return last, nil
}
