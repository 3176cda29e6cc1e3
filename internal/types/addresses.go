package types

// SystemProgramAddr is the System Program address. Same value as
// Solana mainnet and X1; decodes to the all-zeros pubkey.
var SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")
