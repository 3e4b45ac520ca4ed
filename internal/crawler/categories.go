package crawler

// Catalog is the fixed list of crawlable categories.
var Catalog = []Category{
	{Key: "mercearia", Path: "/mercearia/", Label: "Mercearia"},
	{Key: "frescos-frutas", Path: "/frescos/frutas/", Label: "Frescos - Frutas"},
	{Key: "frescos-legumes", Path: "/frescos/legumes/", Label: "Frescos - Legumes"},
	{Key: "frescos-talho", Path: "/frescos/talho/", Label: "Frescos - Talho"},
	{Key: "frescos-peixaria", Path: "/frescos/peixaria/", Label: "Frescos - Peixaria"},
	{Key: "laticinios", Path: "/laticinios-e-ovos/", Label: "Laticínios e Ovos"},
	{Key: "congelados", Path: "/congelados/", Label: "Congelados"},
	{Key: "bebidas", Path: "/bebidas-e-garrafeira/", Label: "Bebidas"},
}

// Categories returns a copy of the catalog.
func Categories() []Category {
	out := make([]Category, len(Catalog))
	copy(out, Catalog)
	return out
}

// LookupCategory finds a catalog entry by key.
func LookupCategory(key string) (Category, bool) {
	for _, c := range Catalog {
		if c.Key == key {
			return c, true
		}
	}
	return Category{}, false
}
