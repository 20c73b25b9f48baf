package discovery

// Discovery abstracts how master addresses are provided to the checker.
// Implementations cover static flag lists, DNS records and seed files.
type Discovery interface {
	Masters() []string
}
