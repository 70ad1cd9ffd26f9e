// Package web3 houses blockchain connectivity utilities: the wallet-layer
// collaborators that create, revoke and execute against spending permissions,
// chain readers that snapshot market conditions, and multi-chain
// configuration helpers. Authorization decisions never depend on chain reads;
// chain data feeds decisions and reconciliation only.
package web3
