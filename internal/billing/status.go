package billing

// statusRank imposes a total order over lifecycle states so that transitions
// carried by out-of-order events can be compared. Void is outside the order:
// it is terminal, and a paid invoice cannot be voided.
var statusRank = map[InvoiceStatus]int{
	StatusDraft:         0,
	StatusSent:          1,
	StatusOverdue:       2,
	StatusPartiallyPaid: 3,
	StatusPaid:          4,
}

// NextStatus decides the status an invoice should carry after an event
// proposes a new one. A paid invoice is never downgraded, and a void
// invoice is never revived.
func NextStatus(current, proposed InvoiceStatus) InvoiceStatus {
	if current == StatusVoid {
		return StatusVoid
	}
	if proposed == StatusVoid {
		if current == StatusPaid {
			return StatusPaid
		}
		return StatusVoid
	}
	curRank, ok := statusRank[current]
	if !ok {
		return proposed
	}
	propRank, ok := statusRank[proposed]
	if !ok {
		return current
	}
	if current == StatusPaid && propRank < curRank {
		return StatusPaid
	}
	return proposed
}

// StatusForTotals derives the lifecycle state implied by payment totals.
// It returns the current status unchanged when nothing has been paid yet.
func StatusForTotals(current InvoiceStatus, amount, totalPaid int64) InvoiceStatus {
	switch {
	case totalPaid >= amount && amount > 0:
		return NextStatus(current, StatusPaid)
	case totalPaid > 0:
		return NextStatus(current, StatusPartiallyPaid)
	default:
		return current
	}
}

// RemainingBalance computes the derived remaining balance, floored at zero.
func RemainingBalance(amount, totalPaid int64) int64 {
	if rem := amount - totalPaid; rem > 0 {
		return rem
	}
	return 0
}
