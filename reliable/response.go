package reliable

// Response is the envelope for machine-readable HTTP error bodies.
type Response struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}
