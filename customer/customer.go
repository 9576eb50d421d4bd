package customer

// Customer maps a Reverie user to their Stripe customer identity. The
// mapping is created on first successful checkout and never re-pointed:
// a user keeps at most one customer identity for the record's lifetime.
type Customer struct {
	ID     string `json:"id" gorm:"primaryKey"`       // Corresponds to Stripe's customer ID
	UserID string `json:"userId" gorm:"uniqueIndex"`  // Reverie user id owning this identity
	Email  string `json:"email" gorm:"index"`         // Email Stripe has on file, informational
}
