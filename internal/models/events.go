package models

import "encoding/json"

// ClientEvent is a named event sent from the browser over the realtime channel.
type ClientEvent struct {
	Event ClientEventName `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServerEvent is a named event sent to the browser.
type ServerEvent struct {
	Event ServerEventName `json:"event"`
	Data  any             `json:"data"`
}

type ClientEventName string

const (
	ClientEventJoin              ClientEventName = "join"
	ClientEventLogout            ClientEventName = "logout"
	ClientEventJoinConversation  ClientEventName = "join-conversation"
	ClientEventLeaveConversation ClientEventName = "leave-conversation"
	ClientEventSendMessage       ClientEventName = "send-message"
	ClientEventTypingStart       ClientEventName = "typing-start"
	ClientEventTypingStop        ClientEventName = "typing-stop"
	ClientEventMessageRead       ClientEventName = "message-read"
)

type ServerEventName string

const (
	ServerEventMessageSent      ServerEventName = "message-sent"
	ServerEventReceiveMessage   ServerEventName = "receive-message"
	ServerEventChatNotification ServerEventName = "chat-notification"
	ServerEventMessageDelivered ServerEventName = "message-delivered"
	ServerEventTypingStart      ServerEventName = "typing-start"
	ServerEventTypingStop       ServerEventName = "typing-stop"
	ServerEventMessagesRead     ServerEventName = "messages-read"
	ServerEventUserOnline       ServerEventName = "user-online"
	ServerEventUserOffline      ServerEventName = "user-offline"
)

// NotificationTypeChatMessage tags chat-notification payloads for toast display.
const NotificationTypeChatMessage = "chat_message"

type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	SenderEmail    string `json:"senderEmail"`
	Content        string `json:"content"`
	MessageID      string `json:"messageId"`
}

type MessageAckPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type ReceiveMessagePayload struct {
	ConversationID string        `json:"conversationId"`
	MessageID      string        `json:"messageId"`
	Content        string        `json:"content"`
	SenderEmail    string        `json:"senderEmail"`
	SenderName     string        `json:"senderName"`
	Timestamp      int64         `json:"timestamp"` // Unix milliseconds
	Status         MessageStatus `json:"status"`
}

type ChatNotificationPayload struct {
	ReceiveMessagePayload
	Type string `json:"type"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserEmail      string `json:"userEmail"`
}

type ReadReceiptPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}
