package domain

import "fmt"

// NotificationType — категория уведомления для получателя.
type NotificationType string

const (
	NotificationOfferAccepted NotificationType = "offer_accepted"
	NotificationOfferRejected NotificationType = "offer_rejected"
	NotificationNewOffer      NotificationType = "new_offer"
	NotificationOrderStatus   NotificationType = "order_status"
	NotificationSystemAlert   NotificationType = "system_alert"
	NotificationDispute       NotificationType = "dispute"
)

// RecipientRole — роль получателя уведомления.
type RecipientRole string

const (
	RecipientCustomer RecipientRole = "CUSTOMER"
	RecipientVendor   RecipientRole = "VENDOR"
	RecipientAdmin    RecipientRole = "ADMIN"
)

// Localized — текст на поддерживаемых языках. Движок заполняет только En,
// перевод выполняет внешний слой локализации.
type Localized struct {
	En string `json:"en"`
	Ar string `json:"ar,omitempty"`
}

// Notification — уведомление, передаваемое внешнему Notifier.
type Notification struct {
	RecipientID   string           `json:"recipient_id"`
	RecipientRole RecipientRole    `json:"recipient_role"`
	Title         Localized        `json:"title"`
	Body          Localized        `json:"body"`
	Type          NotificationType `json:"type"`
	Link          string           `json:"link,omitempty"`
	Metadata      Event            `json:"metadata"`
}

// OrderLink возвращает относительную ссылку на заказ.
func OrderLink(orderID string) string {
	return fmt.Sprintf("/orders/%s", orderID)
}

// AdminOrderLink ведёт на карточку заказа в панели администратора.
func AdminOrderLink(orderID string) string {
	return fmt.Sprintf("/admin/orders/%s", orderID)
}
