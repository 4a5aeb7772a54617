package metrics

// Config is the metrics endpoint configuration of the server command.
type Config struct {
	Addr string `help:"Prometheus metrics listen address; empty disables" env:"USBIPD_METRICS_ADDR"`
}
