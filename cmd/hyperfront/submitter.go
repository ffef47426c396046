package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hyperfront/hyperfront/cloid"
	"github.com/hyperfront/hyperfront/hl"
	"github.com/hyperfront/hyperfront/storage"
	"github.com/hyperfront/hyperfront/trailing"
)

// exchangeSubmitter places triggered trailing stops as market orders and
// records every attempt in the audit log.
type exchangeSubmitter struct {
	exchange *hl.Exchange
	store    *storage.Storage
	logger   *slog.Logger
}

func newExchangeSubmitter(exchange *hl.Exchange, store *storage.Storage) *exchangeSubmitter {
	return &exchangeSubmitter{
		exchange: exchange,
		store:    store,
		logger:   slog.Default().WithGroup("submitter"),
	}
}

func (s *exchangeSubmitter) SubmitMarket(ctx context.Context, coin string, isBuy bool, size string, refPrice float64, reduceOnly bool) error {
	sz, err := strconv.ParseFloat(size, 64)
	if err != nil {
		return &trailing.PermanentError{Err: fmt.Errorf("could not parse size %q: %w", size, err)}
	}

	id := cloid.New().HexAsPointer()
	resp, err := s.exchange.MarketOrder(ctx, coin, isBuy, sz, refPrice, reduceOnly, id)

	status := "ok"
	if err != nil {
		status = "error: " + err.Error()
	}
	if _, recErr := s.store.RecordExchangeAction(ctx, *id, "trailing-market", status, resp); recErr != nil {
		s.logger.Warn("could not record exchange action", slog.String("error", recErr.Error()))
	}

	if err != nil {
		var venueErr *hl.VenueError
		if errors.As(err, &venueErr) {
			return &trailing.PermanentError{Err: err}
		}
		return err
	}
	return nil
}
