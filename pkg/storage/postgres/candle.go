package postgres

import (
	"context"
	"time"

	"marketstream/internal/market"

	"gorm.io/gorm/clause"
)

// InsertCandle stores a finalized candle. Duplicate windows are silently
// skipped so re-deliveries after a reconnect are harmless.
func (p *PostgresClient) InsertCandle(ctx context.Context, record *CandleRecord) error {
	tx := p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "symbol"},
			{Name: "interval"},
			{Name: "start"},
		},
		DoNothing: true,
	}).Create(record)

	return tx.Error
}

// SaveCandle converts and stores a finalized candle. It satisfies the
// engine's archive sink.
func (p *PostgresClient) SaveCandle(ctx context.Context, symbol, interval string, c market.Candle) error {
	record, err := ToCandleRecord(symbol, interval, c)
	if err != nil {
		return err
	}
	return p.InsertCandle(ctx, record)
}

func (p *PostgresClient) GetCandle(ctx context.Context, symbol, interval string, start time.Time) (*CandleRecord, error) {
	var record CandleRecord
	err := p.DB.WithContext(ctx).
		Where("symbol = ? AND interval = ? AND start = ?", symbol, interval, start).
		First(&record).Error

	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetCandleRange returns archived candles in [from, to), oldest first.
func (p *PostgresClient) GetCandleRange(ctx context.Context, symbol, interval string, from, to time.Time) ([]CandleRecord, error) {
	var records []CandleRecord
	err := p.DB.WithContext(ctx).
		Where("symbol = ? AND interval = ? AND start >= ? AND start < ?", symbol, interval, from, to).
		Order("start ASC").
		Find(&records).Error

	if err != nil {
		return nil, err
	}
	return records, nil
}

func (p *PostgresClient) DeleteOldCandles(ctx context.Context, before time.Time) error {
	return p.DB.WithContext(ctx).
		Where("start < ?", before).
		Delete(&CandleRecord{}).Error
}

// ToCandleRecord converts a candle and its stream identity into a record for DB insertion.
func ToCandleRecord(symbol, interval string, c market.Candle) (*CandleRecord, error) {
	meta, err := market.ParseInterval(interval)
	if err != nil {
		return nil, err
	}

	start := time.UnixMilli(c.Timestamp)
	return &CandleRecord{
		Symbol:      symbol,
		Interval:    interval,
		Start:       start,
		End:         start.Add(meta.Duration),
		Open:        c.Open,
		Close:       c.Close,
		High:        c.High,
		Low:         c.Low,
		Volume:      c.Volume,
		QuoteVolume: c.QuoteVolume,
		Trades:      c.Trades,
	}, nil
}
