package evidence

/*
Файл recorder.go реализует асинхронный конвейер записи evidence.

Ключевые особенности архитектуры:
- Non-blocking Logging: передача записей из Hot Path через неблокирующий
  канал. Задержки Postgres не влияют на Response Time решения.
- Batching & Efficiency: накопление записей в памяти и пакетная запись
  (Bulk Insert) по таймеру или при достижении лимита пачки.
- Drain Pattern & Graceful Shutdown: при остановке буфер вычитывается
  до конца (Final Flush) — sync.WaitGroup плюс закрытие канала гарантируют,
  что уже принятая запись не потеряется при штатной перезагрузке.
- Load Shedding: при переполнении буфера новая запись сбрасывается с
  ошибкой в лог — решение важнее evidence, деградируем осознанно.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/infra"
)

// StorageInterface определяет, куда физически сохраняются записи.
type StorageInterface interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []Record) error
}

type Recorder struct {
	ch        chan Record
	repo      StorageInterface
	logger    *zap.Logger
	wg        sync.WaitGroup
	batchSize int
	interval  time.Duration
	// Атомарный флаг (0 - открыт, 1 - закрыт): защита от Log после остановки
	isClosed int32
}

func NewRecorder(repo StorageInterface, cfg infra.EngineConfig, logger *zap.Logger) *Recorder {
	bufSize := cfg.EvidenceBufferSize
	if bufSize <= 0 {
		bufSize = 1000
	}
	batchSize := cfg.EvidenceBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	interval := cfg.EvidenceFlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Recorder{
		ch:        make(chan Record, bufSize),
		repo:      repo,
		logger:    logger.With(zap.String("mod", "evidence")),
		batchSize: batchSize,
		interval:  interval,
	}
}

func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (r *Recorder) Stop() {
	// 1. Сначала ставим флаг
	atomic.StoreInt32(&r.isClosed, 1)

	// 2. Даем крошечную паузу, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	// 3. Закрываем (Drain Pattern): завершение воркера происходит
	// исключительно через закрытие входного канала.
	r.logger.Info("stopping evidence recorder: closing channel and flushing buffer...")
	close(r.ch)
	r.wg.Wait()
	r.logger.Info("evidence recorder stopped gracefully")
}

func (r *Recorder) Log(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	// Атомарно проверяем, не закрыт ли канал
	if atomic.LoadInt32(&r.isClosed) == 1 {
		r.logger.Warn("evidence dropped: recorder is stopping", zap.String("transaction_id", rec.TransactionID))
		return
	}

	// Load Shedding: переполненный буфер не должен блокировать решение
	select {
	case r.ch <- rec:
	default:
		r.logger.Error("evidence_buffer_overflow",
			zap.String("transaction_id", rec.TransactionID),
			zap.String("trace_id", rec.TraceID),
		)
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	batch := make([]Record, 0, r.batchSize)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст к моменту Final Flush может быть закрыт
			if err := r.repo.WriteBatch(context.Background(), batch); err != nil {
				r.logger.Error("evidence flush failed", zap.Int("batch", len(batch)), zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case rec, ok := <-r.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остатки, финальный сброс и выход
				flush()
				r.logger.Info("evidence worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
