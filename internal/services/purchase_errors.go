package services

import (
	"errors"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/models"
)

const (
	MessageSuccessful   = "Successful"
	MessageUnsuccessful = "Unsuccessful"
	MessageUnsubscribed = "Unsubscribed"
)

var purchaseErrorMessages = map[models.PurchaseErrorCategory]string{
	models.PurchaseErrorUnknown:             "Unknown error",
	models.PurchaseErrorClientInvalid:       "Client Invalid",
	models.PurchaseErrorPaymentCancelled:    "Subscription Canceled",
	models.PurchaseErrorPaymentInvalid:      "Payment invalid",
	models.PurchaseErrorPaymentNotAllowed:   "Payment not allowed",
	models.PurchaseErrorProductNotAvailable: "Product not available",
}

// PurchaseErrorMessage maps a gateway purchase error to the message shown to
// the user. Uncategorized errors use their own description.
func PurchaseErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var perr *models.PurchaseError
	if errors.As(err, &perr) {
		if msg, ok := purchaseErrorMessages[perr.Category]; ok {
			return msg
		}
		return perr.Error()
	}
	return err.Error()
}
