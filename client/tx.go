package client

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Tx implements database/sql/driver.Tx over OJP's transaction-control RPC
// (rpc.TypeTxControl), generalizing the teacher's raw per-command AMQP
// channel/reply-queue dance (client/tx.go) to a route through the bound
// Conn's MultinodeManager so a transaction rides the same session affinity
// and cluster-health snapshot as every other call.
type Tx struct {
	conn          *Conn
	transactionID string
	state         TxState
	startTime     time.Time
	mutex         sync.RWMutex
}

type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxRolledBack
)

func (ts TxState) String() string {
	switch ts {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

func (tx *Tx) Commit() error {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	if tx.state != TxActive {
		return fmt.Errorf("transaction is not active (state: %s)", tx.state)
	}

	ctx, cancel := context.WithTimeout(context.Background(), tx.conn.config.Timeout)
	defer cancel()

	if err := tx.conn.txControl(ctx, tx.transactionID, "COMMIT"); err != nil {
		tx.conn.logf("transaction commit failed: %s, error: %v", tx.transactionID, err)
		return fmt.Errorf("failed to commit transaction: %v", err)
	}

	tx.state = TxCommitted
	tx.conn.logf("transaction committed: %s (duration: %v)", tx.transactionID, time.Since(tx.startTime))
	tx.conn.clearFinishedTransaction()
	return nil
}

func (tx *Tx) Rollback() error {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	if tx.state != TxActive {
		return fmt.Errorf("transaction is not active (state: %s)", tx.state)
	}

	ctx, cancel := context.WithTimeout(context.Background(), tx.conn.config.Timeout)
	defer cancel()

	if err := tx.conn.txControl(ctx, tx.transactionID, "ROLLBACK"); err != nil {
		tx.conn.logf("transaction rollback failed: %s, error: %v", tx.transactionID, err)
		return fmt.Errorf("failed to rollback transaction: %v", err)
	}

	tx.state = TxRolledBack
	tx.conn.logf("transaction rolled back: %s (duration: %v)", tx.transactionID, time.Since(tx.startTime))
	tx.conn.clearFinishedTransaction()
	return nil
}

func (tx *Tx) IsActive() bool {
	tx.mutex.RLock()
	defer tx.mutex.RUnlock()
	return tx.state == TxActive
}

func (tx *Tx) GetState() TxState {
	tx.mutex.RLock()
	defer tx.mutex.RUnlock()
	return tx.state
}

func (tx *Tx) GetTransactionID() string {
	return tx.transactionID
}

func (tx *Tx) GetDuration() time.Duration {
	return time.Since(tx.startTime)
}
