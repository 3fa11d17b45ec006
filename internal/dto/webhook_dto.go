package dto

// StoreWebhook is a store server notification for one user of an app.
type StoreWebhook struct {
	APIVersion string     `json:"api_version"`
	Event      StoreEvent `json:"event"`
}

type StoreEvent struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	AppUserID      string `json:"app_user_id"`
	ProductID      string `json:"product_id"`
	TransactionID  string `json:"transaction_id"`
	Environment    string `json:"environment"`
	ExpirationAtMs int64  `json:"expiration_at_ms"`
}

type WebhookResponse struct {
	Received bool           `json:"received"`
	Result   VerifyResponse `json:"result"`
}
