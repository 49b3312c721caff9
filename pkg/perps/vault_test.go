package perps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultExercise(t *testing.T) {
	v := NewInMemoryVault()
	v.SetRound(1, "vault-btc", 2, 1_000)
	receipt := BidReceipt{VaultIndex: 1, BidToken: "vault-btc", Shares: 5}

	t.Run("unknown round", func(t *testing.T) {
		_, err := v.Exercise(BidReceipt{VaultIndex: 9}, 1_000)
		assert.ErrorIs(t, err, ErrBidTokenMismatch)
	})

	t.Run("before expiry", func(t *testing.T) {
		_, err := v.Exercise(receipt, 999)
		assert.ErrorIs(t, err, ErrReceiptNotExpired)
	})

	t.Run("at expiry burns the receipt", func(t *testing.T) {
		out, err := v.Exercise(receipt, 1_000)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), out)

		_, err = v.Exercise(receipt, 2_000)
		assert.ErrorIs(t, err, ErrReceiptSpent)
	})
}
