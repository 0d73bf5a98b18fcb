package events

import (
	"context"
	"log/slog"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"hlconnector/pkg/types"
)

// AuditRecord is the durable row written for every published event. It is
// a flat denormalization of types.OrderEvent, since the audit log exists
// to be queried and grep'd after the fact, not reconstructed into a
// richer model.
type AuditRecord struct {
	gorm.Model
	EventType            string  `gorm:"index"`
	ClientOrderId        string  `gorm:"index"`
	ExchangeOrderId      string  `gorm:"index"`
	TradingPair          string  `gorm:"index"`
	OrderKind            string
	Side                 string
	Price                string
	Amount               string
	FilledAmount         string
	AverageExecutedPrice string
	OrderState           string
	EventTimestampUnixMs int64
	Reason               string
	ReasonText           string
}

// AuditSink persists every event to a SQLite-backed table via gorm. It is
// the durable record the spec's terminal-event-exactly-once property can
// be checked against after the fact.
type AuditSink struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewAuditSink opens (and migrates) a SQLite database at path.
func NewAuditSink(path string, appLogger *slog.Logger) (*AuditSink, error) {
	if appLogger == nil {
		appLogger = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&AuditRecord{}); err != nil {
		return nil, err
	}
	return &AuditSink{db: db, logger: appLogger.With("component", "events_audit")}, nil
}

// Publish implements Sink. A write failure is logged, never returned —
// an audit-log outage must not stop order processing.
func (a *AuditSink) Publish(ctx context.Context, e types.OrderEvent) {
	record := AuditRecord{
		EventType:            string(e.EventType),
		ClientOrderId:        string(e.ClientOrderId),
		ExchangeOrderId:      string(e.ExchangeOrderId),
		TradingPair:          e.TradingPair,
		OrderKind:            string(e.OrderKind),
		Side:                 string(e.Side),
		Price:                e.Price.String(),
		Amount:               e.Amount.String(),
		FilledAmount:         e.FilledAmount.String(),
		AverageExecutedPrice: e.AverageExecutedPrice.String(),
		OrderState:           string(e.OrderState),
		EventTimestampUnixMs: e.Timestamp.UnixMilli(),
		Reason:               string(e.Reason),
		ReasonText:           e.ReasonText,
	}
	if err := a.db.WithContext(ctx).Create(&record).Error; err != nil {
		a.logger.Error("audit write failed", "error", err, "client_order_id", e.ClientOrderId)
	}
}

// TerminalEventCount returns how many terminal events (filled, cancelled,
// failed) are recorded for a given client order id — used by tests and
// operational tooling to verify the exactly-once terminal event property
// against durable storage, not just in-memory state.
func (a *AuditSink) TerminalEventCount(clientOrderID string) (int64, error) {
	var count int64
	err := a.db.Model(&AuditRecord{}).
		Where("client_order_id = ? AND event_type IN ?", clientOrderID, []string{"filled", "cancelled", "failed"}).
		Count(&count).Error
	return count, err
}
