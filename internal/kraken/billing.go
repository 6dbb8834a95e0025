package kraken

import (
	"fmt"
	"time"
)

// Statement dates are reported as instants at the period boundaries. The start
// instant is shifted forward and the end instant back by a second so the
// calendar dates cover the billed period.
const (
	consumptionStartShift = 2 * time.Hour
	consumptionEndShift   = -time.Second
)

type billingResponse struct {
	AccountBillingInfo struct {
		Ledgers []ledgerWire `json:"ledgers"`
	} `json:"accountBillingInfo"`
}

type ledgerWire struct {
	LedgerType            string     `json:"ledgerType"`
	Balance               flexNumber `json:"balance"`
	StatementsWithDetails struct {
		Edges []struct {
			Node statementWire `json:"node"`
		} `json:"edges"`
	} `json:"statementsWithDetails"`
}

type statementWire struct {
	Amount               flexNumber `json:"amount"`
	ConsumptionStartDate string     `json:"consumptionStartDate"`
	ConsumptionEndDate   string     `json:"consumptionEndDate"`
	IssuedDate           string     `json:"issuedDate"`
}

// minorUnits converts an amount in cents to euros.
func minorUnits(n flexNumber) float64 {
	return n.value / 100
}

func normalizeBilling(ledgers []ledgerWire) (*BillingSnapshot, error) {
	var electricity, solar *ledgerWire
	for i := range ledgers {
		switch ledgers[i].LedgerType {
		case ledgerElectricity:
			electricity = &ledgers[i]
		case ledgerSolarWallet:
			solar = &ledgers[i]
		}
	}
	if electricity == nil {
		return nil, ErrLedgerMissing
	}

	snap := &BillingSnapshot{CreditBalance: minorUnits(electricity.Balance)}
	if solar != nil {
		snap.SolarWalletBalance = minorUnits(solar.Balance)
	}

	edges := electricity.StatementsWithDetails.Edges
	if len(edges) == 0 {
		return snap, nil
	}

	invoice, err := normalizeInvoice(edges[0].Node)
	if err != nil {
		return nil, err
	}
	snap.LastInvoice = invoice
	return snap, nil
}

func normalizeInvoice(node statementWire) (*Invoice, error) {
	invoice := &Invoice{Amount: minorUnits(node.Amount)}

	var err error
	if invoice.IssuedDate, err = shiftedDate(node.IssuedDate, 0); err != nil {
		return nil, fmt.Errorf("issued date: %w", err)
	}
	if invoice.ConsumptionStart, err = shiftedDate(node.ConsumptionStartDate, consumptionStartShift); err != nil {
		return nil, fmt.Errorf("consumption start: %w", err)
	}
	if invoice.ConsumptionEnd, err = shiftedDate(node.ConsumptionEndDate, consumptionEndShift); err != nil {
		return nil, fmt.Errorf("consumption end: %w", err)
	}
	return invoice, nil
}

// shiftedDate parses s, applies shift and truncates to a calendar date in the
// timestamp's own offset. An empty s yields the zero Date.
func shiftedDate(s string, shift time.Duration) (Date, error) {
	if s == "" {
		return Date{}, nil
	}
	t, err := parseKrakenTime(s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t.Add(shift)), nil
}
