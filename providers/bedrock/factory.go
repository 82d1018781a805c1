package bedrock

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/providers"
)

// Factory builds a Bedrock adapter, resolving AWS credentials via the
// default chain (IAM role, environment, shared profile) the same way the
// teacher's CreateAWSConfig helper does; Bedrock has no bearer-token concept,
// so ProviderFlag.APIKey is unused here. When the deployment supplies a
// static access-key/secret pair (ProviderFlag.AWSAccessKeyID/
// AWSSecretAccessKey), that pair overrides the default chain.
type Factory struct{}

func (Factory) Name() string { return "bedrock" }

// Build constructs the bedrockruntime client for region (read from flag's
// BaseURL field, repurposed here as the AWS region name since Bedrock has no
// adapter-level base URL) and wraps it in a providers.Adapter.
func (Factory) Build(ctx context.Context, flag core.ProviderFlag, pricing core.PricingConfig, logger core.Logger) (providers.Adapter, error) {
	region := flag.BaseURL
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if flag.AWSAccessKeyID != "" && flag.AWSSecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(flag.AWSAccessKeyID, flag.AWSSecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: loading aws config for bedrock: %v", core.ErrInvalidConfiguration, err)
	}

	runtime := bedrockruntime.NewFromConfig(cfg)
	return NewClient(runtime, pricing, logger), nil
}
