// Package ledger defines the balance and transfer capability consumed by the
// payment engine, together with a deterministic in-memory implementation and
// the helpers that convert between micro-units and USD.
//
// Every amount that crosses the Adapter boundary is an integer number of
// micro-units (1 USD = 1,000,000). Conversion to USD happens only through
// ToUSD and FromUSD.
package ledger
