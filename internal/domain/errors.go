package domain

import "errors"

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrAddressNotFound     = errors.New("deposit address not found")
	ErrGiftCodeNotFound    = errors.New("gift code not found")
	ErrGiftCodeUsed        = errors.New("gift code already used")
	ErrGiftCodeFreeOnly    = errors.New("gift code is restricted to unpaid accounts")
	ErrInvalidAmount       = errors.New("payment amount must be positive")
	ErrCurrencyMismatch    = errors.New("payment currency does not match channel currency")
	ErrSignerUnavailable   = errors.New("signing key unavailable")
)
