package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/keyproxy/internal/domain"
)

// LegacyProvider is the adapter every legacy product key is bound to.
const LegacyProvider = "openai"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ProductsDocument is the unified multi-provider shape read from PRODUCTS_FILE.
//
//	products:
//	  - id: acme
//	    providers:
//	      - name: anthropic
//	        api_key: ${ACME_ANTHROPIC_KEY}
//	        models: [claude-3-5-sonnet-latest]
//	      - name: openai
//	        api_key: ${ACME_OPENAI_KEY}
type ProductsDocument struct {
	Products []ProductConfig `koanf:"products"`
}

type ProductConfig struct {
	ID        string           `koanf:"id"`
	Providers []ProviderConfig `koanf:"providers"`
}

type ProviderConfig struct {
	Name    string   `koanf:"name"`
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Models  []string `koanf:"models"`
}

// LoadProductsFile parses a YAML (or JSON) products document. ${VAR}
// references in api_key and base_url are expanded from the environment.
func LoadProductsFile(path string) (ProductsDocument, error) {
	var doc ProductsDocument

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return doc, fmt.Errorf("load products file %s: %w", path, err)
	}
	if err := k.Unmarshal("", &doc); err != nil {
		return doc, fmt.Errorf("decode products file %s: %w", path, err)
	}

	for i := range doc.Products {
		for j := range doc.Products[i].Providers {
			p := &doc.Products[i].Providers[j]
			p.APIKey = substituteEnvVars(p.APIKey)
			p.BaseURL = substituteEnvVars(p.BaseURL)
		}
	}
	return doc, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// UnifiedProducts converts a products document into the canonical model.
func UnifiedProducts(doc ProductsDocument) ([]domain.Product, error) {
	products := make([]domain.Product, 0, len(doc.Products))
	for _, pc := range doc.Products {
		if pc.ID == "" {
			return nil, fmt.Errorf("products file: product without id")
		}
		product := domain.Product{ID: pc.ID}
		for _, prov := range pc.Providers {
			if prov.Name == "" {
				return nil, fmt.Errorf("products file: product %q has a provider without name", pc.ID)
			}
			product.Providers = append(product.Providers, domain.ProviderEntry{
				Name:    prov.Name,
				APIKey:  prov.APIKey,
				BaseURL: prov.BaseURL,
				Models:  prov.Models,
			})
		}
		products = append(products, product)
	}
	return products, nil
}

// LegacyProducts binds each product key to the openai adapter with the
// global allow-list.
func LegacyProducts(keys map[string]string, allowedModels []string) []domain.Product {
	products := make([]domain.Product, 0, len(keys))
	for id, key := range keys {
		products = append(products, domain.Product{
			ID: id,
			Providers: []domain.ProviderEntry{{
				Name:   LegacyProvider,
				APIKey: key,
				Models: append([]string(nil), allowedModels...),
			}},
		})
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products
}

// SeparatedProducts joins a product→provider→models document with a
// product→provider→key document. Provider order follows the models document;
// providers that only have a key are appended and serve every model.
//
//	PRODUCT_MODELS={"acme":{"anthropic":["claude-3-haiku"],"openai":[]}}
//	PRODUCT_PROVIDER_KEYS={"acme":{"anthropic":"sk-ant","openai":"sk-oai"}}
func SeparatedProducts(modelsJSON, keysJSON string) ([]domain.Product, error) {
	if modelsJSON == "" && keysJSON == "" {
		return nil, nil
	}
	for name, raw := range map[string]string{"PRODUCT_MODELS": modelsJSON, "PRODUCT_PROVIDER_KEYS": keysJSON} {
		if raw != "" && (!gjson.Valid(raw) || !gjson.Parse(raw).IsObject()) {
			return nil, fmt.Errorf("%s: expected a JSON object", name)
		}
	}

	keys := gjson.Parse(keysJSON)
	var products []domain.Product
	seen := map[string]int{}

	add := func(productID, provider string, models []string) {
		idx, ok := seen[productID]
		if !ok {
			idx = len(products)
			seen[productID] = idx
			products = append(products, domain.Product{ID: productID})
		}
		p := &products[idx]
		if _, exists := p.Provider(provider); exists {
			return
		}
		p.Providers = append(p.Providers, domain.ProviderEntry{
			Name:   provider,
			APIKey: keys.Get(gjson.Escape(productID) + "." + gjson.Escape(provider)).String(),
			Models: models,
		})
	}

	var err error
	gjson.Parse(modelsJSON).ForEach(func(product, providers gjson.Result) bool {
		if !providers.IsObject() {
			err = fmt.Errorf("PRODUCT_MODELS: product %q must map providers to model lists", product.String())
			return false
		}
		providers.ForEach(func(provider, models gjson.Result) bool {
			var list []string
			for _, m := range models.Array() {
				list = append(list, m.String())
			}
			add(product.String(), provider.String(), list)
			return true
		})
		return true
	})
	if err != nil {
		return nil, err
	}

	keys.ForEach(func(product, providers gjson.Result) bool {
		providers.ForEach(func(provider, _ gjson.Result) bool {
			add(product.String(), provider.String(), nil)
			return true
		})
		return true
	})

	return products, nil
}

// MergeProducts builds the product table. Legacy entries apply only to
// products no multi-provider source defines; among multi-provider sources a
// later one replaces an earlier definition of the same product.
func MergeProducts(legacy []domain.Product, multi ...[]domain.Product) map[string]*domain.Product {
	out := make(map[string]*domain.Product)
	for _, source := range multi {
		for i := range source {
			p := source[i]
			out[p.ID] = &p
		}
	}
	for i := range legacy {
		p := legacy[i]
		if _, ok := out[p.ID]; !ok {
			out[p.ID] = &p
		}
	}
	return out
}

// Products assembles every configured product shape. Extra sources, such as
// the Postgres product table, take precedence over the file and env shapes.
func (c *Config) Products(extra ...[]domain.Product) (map[string]*domain.Product, error) {
	separated, err := SeparatedProducts(c.ProductModels, c.ProductProviderKeys)
	if err != nil {
		return nil, err
	}

	var unified []domain.Product
	if c.ProductsFile != "" {
		doc, err := LoadProductsFile(c.ProductsFile)
		if err != nil {
			return nil, err
		}
		if unified, err = UnifiedProducts(doc); err != nil {
			return nil, err
		}
	}

	multi := append([][]domain.Product{separated, unified}, extra...)
	return MergeProducts(LegacyProducts(c.ProductKeys, c.AllowedModels), multi...), nil
}
