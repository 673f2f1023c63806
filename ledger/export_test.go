package ledger

// HeldKeys exposes the slot count of a KeyedMutex to external tests.
func HeldKeys(km *KeyedMutex) int { return km.held() }
