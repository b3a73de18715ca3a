package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	azauth "github.com/azurekit/azauth"
	"github.com/azurekit/azauth/cache"
	"github.com/azurekit/azauth/flows/devicecode"
	"github.com/azurekit/azauth/metrics/export/prometheus"
)

func main() {
	var (
		clientID    = flag.String("client-id", "", "AAD application client id (required)")
		resourceID  = flag.String("resource", "arm", "resource to mint a token for: arm or management")
		tenantID    = flag.String("tenant", "", "tenant to target after login (default: home tenant)")
		showMetrics = flag.Bool("metrics", false, "print engine metrics after the run")
		auditLog    = flag.Bool("audit", false, "write audit events to stderr as JSON lines")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *clientID == "" {
		fmt.Fprintln(os.Stderr, "error: -client-id is required")
		flag.Usage()
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		logger = l
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *clientID, *resourceID, *tenantID, *showMetrics, *auditLog, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, clientID, resourceID, tenantID string, showMetrics, auditLog bool, logger *zap.Logger) error {
	builder := azauth.New().
		WithClientID(clientID).
		WithSecretStore(cache.NewMemorySecretStore()).
		WithLogger(logger).
		WithMetricsEnabled(showMetrics).
		WithLatencyHistograms(showMetrics)
	if auditLog {
		builder.WithAuditSink(azauth.NewJSONWriterSink(os.Stderr))
	}

	engine, err := builder.Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	engine.RegisterAuthenticator(devicecode.New(engine.Endpoint(), promptDeviceCode, logger))

	cfg := defaultResources()
	resource, ok := cfg[resourceID]
	if !ok {
		return fmt.Errorf("unknown resource %q (want arm or management)", resourceID)
	}

	account, err := engine.StartLogin(ctx, azauth.AuthTypeDeviceCode, resource)
	if err != nil {
		return err
	}
	if account == nil {
		fmt.Println("login cancelled")
		return nil
	}

	fmt.Printf("signed in: %s\n", account.DisplayInfo.DisplayName)
	fmt.Printf("account id: %s\n", account.Key.AccountID)
	for _, t := range account.Properties.Tenants {
		marker := " "
		if t.TenantCategory == azauth.TenantCategoryHome {
			marker = "*"
		}
		fmt.Printf("  %s %s  %s\n", marker, t.ID, t.DisplayName)
	}

	token, err := engine.GetAccountSecurityToken(ctx, account, tenantID, resource)
	if err != nil {
		return err
	}
	if token == nil {
		fmt.Println("no token: interaction declined")
		return nil
	}
	fmt.Printf("token acquired for %s (%s)\n", resource.ID, token.TokenType)

	if showMetrics {
		exporter := prometheus.NewPrometheusExporter(engine)
		fmt.Println()
		fmt.Print(exporter.Render())
	}
	return nil
}

func defaultResources() map[string]azauth.Resource {
	return map[string]azauth.Resource{
		"management": {ID: "management", URI: "https://management.core.windows.net/"},
		"arm":        {ID: "arm", URI: "https://management.azure.com/"},
	}
}

func promptDeviceCode(_ context.Context, userCode, verificationURL, message string) error {
	if message != "" {
		fmt.Println(message)
		return nil
	}
	fmt.Printf("To sign in, open %s and enter the code %s\n", verificationURL, userCode)
	return nil
}
