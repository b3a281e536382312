package templates

//go:generate go run github.com/a-h/templ/cmd/templ generate

// ErrorPageProps is shown when an /authorize error cannot be sent back to
// the client's redirect URI.
type ErrorPageProps struct {
	Error   string
	Message string
	Status  int
}
