package codify

import (
	"net"
	"sort"
	"strings"

	"github.com/kzh/vaultops/pkg/config"
	vaultops "github.com/kzh/vaultops/pkg/vault"
	"github.com/pulumi/pulumi-cloudflare/sdk/v5/go/cloudflare"
	"github.com/pulumi/pulumi-vault/sdk/v5/go/vault"
	"github.com/pulumi/pulumi-vault/sdk/v5/go/vault/approle"
	"github.com/pulumi/pulumi-vault/sdk/v5/go/vault/pkisecret"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const (
	PKIMount             = "pki"
	ClientCertRole       = "vault_client_certificate"
	AppRoleMount         = "approle"
	MasterControllerRole = "github-master-controller"

	pkiTTLSeconds   = 31536000
	clientCertTTL   = "7776000"
	intermediateTTL = "43800h"
)

// AppRoleName is the approle a repository's workflows log in with.
func AppRoleName(owner, repo string) string {
	return "github-" + owner + "-" + strings.ReplaceAll(repo, ".", "-")
}

// RepositoryPolicy lets a repository read its own tree in the secret mount.
func RepositoryPolicy(owner, repo string) string {
	return vaultops.PolicyHCL(
		vaultops.PolicyRule{
			Path:         vaultops.SecretMount + "/data/github/" + owner + "/" + repo + "/*",
			Capabilities: []string{"read"},
		},
		vaultops.PolicyRule{
			Path:         vaultops.SecretMount + "/metadata/github/" + owner + "/" + repo + "/*",
			Capabilities: []string{"list"},
		},
	)
}

type AdminLogin struct {
	User     string
	Password string
	Mount    string
}

// Program describes the vault configuration owned by the codify stack.
type Program struct {
	Address        string
	CACertFile     string
	ClientCertFile string
	ClientKeyFile  string
	Token          string
	Admin          *AdminLogin

	Repositories []config.GithubRepository
	HAHostname   string
	NodeIPs      []string
	HADNS        *config.HADNS
}

func (p *Program) Run(ctx *pulumi.Context) error {
	provider, err := p.provider(ctx)
	if err != nil {
		return err
	}
	opt := pulumi.Provider(provider)

	for _, path := range []string{vaultops.SecretMount, vaultops.VaultSecretsMount} {
		_, err := vault.NewMount(ctx, path, &vault.MountArgs{
			Path:        pulumi.String(path),
			Type:        pulumi.String("kv"),
			Options:     pulumi.Map{"version": pulumi.String("2")},
			Description: pulumi.String("KV v2 secrets engine"),
		}, opt)
		if err != nil {
			return err
		}
	}

	if err := p.intermediatePKI(ctx, opt); err != nil {
		return err
	}
	if err := p.appRoles(ctx, opt); err != nil {
		return err
	}
	if p.HADNS != nil {
		if err := p.dnsRecords(ctx); err != nil {
			return err
		}
	}

	ctx.Export("vault_address", pulumi.String(p.Address))
	return nil
}

func (p *Program) provider(ctx *pulumi.Context) (*vault.Provider, error) {
	args := &vault.ProviderArgs{
		Address:        pulumi.String(p.Address),
		CaCertFile:     pulumi.String(p.CACertFile),
		Token:          pulumi.String(p.Token),
		SkipChildToken: pulumi.Bool(true),
		ClientAuth: &vault.ProviderClientAuthArgs{
			CertFile: pulumi.String(p.ClientCertFile),
			KeyFile:  pulumi.String(p.ClientKeyFile),
		},
	}
	if p.Admin != nil {
		args.AuthLoginUserpass = &vault.ProviderAuthLoginUserpassArgs{
			Username: pulumi.String(p.Admin.User),
			Password: pulumi.String(p.Admin.Password),
			Mount:    pulumi.String(p.Admin.Mount),
		}
	}
	return vault.NewProvider(ctx, "vault", args)
}

func (p *Program) intermediatePKI(ctx *pulumi.Context, opt pulumi.ResourceOption) error {
	mount, err := vault.NewMount(ctx, PKIMount, &vault.MountArgs{
		Path:                   pulumi.String(PKIMount),
		Type:                   pulumi.String("pki"),
		Description:            pulumi.String("Intermediate CA for vault client certificates"),
		DefaultLeaseTtlSeconds: pulumi.Int(pkiTTLSeconds),
		MaxLeaseTtlSeconds:     pulumi.Int(pkiTTLSeconds),
	}, opt)
	if err != nil {
		return err
	}

	csr, err := pkisecret.NewSecretBackendIntermediateCertRequest(ctx, "pki-intermediate-csr", &pkisecret.SecretBackendIntermediateCertRequestArgs{
		Backend:    mount.Path,
		Type:       pulumi.String("internal"),
		CommonName: pulumi.String(p.HAHostname + " Intermediate Authority"),
	}, opt)
	if err != nil {
		return err
	}

	signed, err := pkisecret.NewSecretBackendRootSignIntermediate(ctx, "pki-intermediate-signed", &pkisecret.SecretBackendRootSignIntermediateArgs{
		Backend:    pulumi.String(vaultops.RootCAMount),
		Csr:        csr.Csr,
		CommonName: pulumi.String(p.HAHostname + " Intermediate Authority"),
		Format:     pulumi.String("pem_bundle"),
		Ttl:        pulumi.String(intermediateTTL),
	}, opt)
	if err != nil {
		return err
	}

	_, err = pkisecret.NewSecretBackendIntermediateSetSigned(ctx, "pki-intermediate-set-signed", &pkisecret.SecretBackendIntermediateSetSignedArgs{
		Backend:     mount.Path,
		Certificate: signed.Certificate,
	}, opt)
	if err != nil {
		return err
	}

	_, err = pkisecret.NewSecretBackendRole(ctx, "pki-role-client-certificate", &pkisecret.SecretBackendRoleArgs{
		Backend:      mount.Path,
		Name:         pulumi.String(ClientCertRole),
		AllowAnyName: pulumi.Bool(true),
		ClientFlag:   pulumi.Bool(true),
		ServerFlag:   pulumi.Bool(true),
		MaxTtl:       pulumi.String(clientCertTTL),
		Ttl:          pulumi.String(clientCertTTL),
	}, opt)
	return err
}

func (p *Program) appRoles(ctx *pulumi.Context, opt pulumi.ResourceOption) error {
	backend, err := vault.NewAuthBackend(ctx, AppRoleMount, &vault.AuthBackendArgs{
		Type:        pulumi.String("approle"),
		Path:        pulumi.String(AppRoleMount),
		Description: pulumi.String("AppRole for CI/CD workflows"),
	}, opt)
	if err != nil {
		return err
	}

	_, err = approle.NewAuthBackendRole(ctx, MasterControllerRole, &approle.AuthBackendRoleArgs{
		Backend:       backend.Path,
		RoleName:      pulumi.String(MasterControllerRole),
		TokenPolicies: pulumi.StringArray{pulumi.String("default")},
		TokenTtl:      pulumi.Int(3600),
		TokenMaxTtl:   pulumi.Int(14400),
	}, opt)
	if err != nil {
		return err
	}

	for _, repo := range p.Repositories {
		name := AppRoleName(repo.Owner, repo.Repo)
		policy, err := vault.NewPolicy(ctx, name, &vault.PolicyArgs{
			Name:   pulumi.String(name),
			Policy: pulumi.String(RepositoryPolicy(repo.Owner, repo.Repo)),
		}, opt)
		if err != nil {
			return err
		}

		policies := pulumi.StringArray{pulumi.String("default"), policy.Name}
		for _, extra := range repo.Policies {
			policies = append(policies, pulumi.String(extra))
		}
		_, err = approle.NewAuthBackendRole(ctx, name, &approle.AuthBackendRoleArgs{
			Backend:       backend.Path,
			RoleName:      pulumi.String(name),
			TokenPolicies: policies,
			TokenTtl:      pulumi.Int(3600),
			TokenMaxTtl:   pulumi.Int(14400),
		}, opt)
		if err != nil {
			return err
		}
	}
	return nil
}

type dnsRecord struct {
	Name    string
	Type    string
	Content string
}

// haRecords returns one A or AAAA record per distinct node api IP.
func haRecords(hostname string, ips []string) []dnsRecord {
	seen := map[string]struct{}{}
	var records []dnsRecord
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			continue
		}
		if _, ok := seen[parsed.String()]; ok {
			continue
		}
		seen[parsed.String()] = struct{}{}

		typ := "AAAA"
		if parsed.To4() != nil {
			typ = "A"
		}
		records = append(records, dnsRecord{Name: hostname, Type: typ, Content: parsed.String()})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Content < records[j].Content })
	return records
}

func (p *Program) dnsRecords(ctx *pulumi.Context) error {
	provider, err := cloudflare.NewProvider(ctx, "cloudflare", &cloudflare.ProviderArgs{
		ApiToken: pulumi.String(p.HADNS.APIToken),
	})
	if err != nil {
		return err
	}

	ttl := p.HADNS.TTL
	if ttl == 0 {
		ttl = 1
	}
	for _, r := range haRecords(p.HAHostname, p.NodeIPs) {
		_, err := cloudflare.NewRecord(ctx, "ha-"+strings.ReplaceAll(r.Content, ":", "-"), &cloudflare.RecordArgs{
			ZoneId:  pulumi.String(p.HADNS.ZoneID),
			Name:    pulumi.String(r.Name),
			Type:    pulumi.String(r.Type),
			Content: pulumi.String(r.Content),
			Ttl:     pulumi.Int(ttl),
			Proxied: pulumi.Bool(p.HADNS.Proxied),
		}, pulumi.Provider(provider))
		if err != nil {
			return err
		}
	}
	return nil
}
