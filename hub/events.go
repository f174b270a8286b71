package hub

// Event records share one wire shape: {"event": <category>, ...}. Viewers
// multiplex all categories over one connection; per-subscriber channels keep
// each category's records in publish order.

type Toast struct {
	Event   string `json:"event"`
	Message string `json:"message"`
	Level   string `json:"type"`
}

func NewToast(message, level string) Toast {
	return Toast{Event: "toast", Message: message, Level: level}
}

type Progress struct {
	Event    string `json:"event"`
	Hash     string `json:"hash"`
	State    string `json:"state"`
	RawState string `json:"raw_state,omitempty"`
	Percent  int    `json:"percent"`
	ETA      int64  `json:"eta"`
}

func NewProgress(hash, state, rawState string, percent int, eta int64) Progress {
	return Progress{
		Event:    "torrent-progress",
		Hash:     hash,
		State:    state,
		RawState: rawState,
		Percent:  percent,
		ETA:      eta,
	}
}

type ClientStatus struct {
	Event       string `json:"event"`
	Status      string `json:"status"`
	DisplayName string `json:"display_name,omitempty"`
}

func NewClientStatus(connected bool, displayName string) ClientStatus {
	status := "disconnected"
	if connected {
		status = "connected"
	}
	return ClientStatus{Event: "client-status", Status: status, DisplayName: displayName}
}

type OrganizeError struct {
	Event  string `json:"event"`
	Hash   string `json:"hash"`
	Title  string `json:"title,omitempty"`
	Reason string `json:"reason"`
}

func NewOrganizeError(hash, title, reason string) OrganizeError {
	return OrganizeError{Event: "organize-error", Hash: hash, Title: title, Reason: reason}
}

type CreditPurchase struct {
	Event    string  `json:"event"`
	Kind     string  `json:"kind"` // "upload" or "vip"
	AmountGB float64 `json:"amount_gb,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

func NewCreditPurchase(kind string, amountGB float64, reason string) CreditPurchase {
	return CreditPurchase{Event: "credit-purchase", Kind: kind, AmountGB: amountGB, Reason: reason}
}

type IPUpdate struct {
	Event string `json:"event"`
	IP    string `json:"ip"`
}

func NewIPUpdate(ip string) IPUpdate {
	return IPUpdate{Event: "ip-update", IP: ip}
}
