package ledger

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// NewWalletNumber returns a WLT number: six timestamp digits followed by six
// random digits.
func NewWalletNumber(now time.Time) string {
	return fmt.Sprintf("WLT%06d%06d", now.UnixMilli()%1_000_000, randomDigits(1_000_000))
}

// NewTransactionNumber returns a TXN number: eight timestamp digits followed
// by six random digits.
func NewTransactionNumber(now time.Time) string {
	return fmt.Sprintf("TXN%08d%06d", now.UnixMilli()%100_000_000, randomDigits(1_000_000))
}

// NewVoucherNumber returns a QR voucher number.
func NewVoucherNumber(now time.Time) string {
	return fmt.Sprintf("QR%08d%06d", now.UnixMilli()%100_000_000, randomDigits(1_000_000))
}

func randomDigits(limit int64) int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(limit))
	if err != nil {
		return time.Now().UnixNano() % limit
	}
	return n.Int64()
}
