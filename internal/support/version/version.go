package version

// Идентификация сборки. Version переопределяется при сборке релиза:
//
//	go build -ldflags "-X telegram-promoter/internal/support/version.Version=v1.2.3"
var (
	Name    = "telegram-promoter"
	Version = "dev"
)
