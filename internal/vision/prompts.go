package vision

const relevancePrompt = `Look at this image carefully.
Is this image referencing a Roblox limited item? Roblox limited items are special virtual accessories or gear that can be traded between players (hats, faces, gear, etc.).

Signs that an image references a limited item:
- A Roblox trade window showing items
- An inventory showing items with RAP or value numbers
- Text mentioning specific Roblox limited item names or acronyms
- A Roblox avatar wearing recognizable limited items
- A Rolimons page or similar value-checking site

Answer with ONLY the word: yes or no`

const extractionPrompt = `This image is from a Discord post about Roblox limited items.
Identify EVERY Roblox limited item name mentioned or shown anywhere in this image.

The image could be any of these formats:
- A Roblox trade window showing items on both sides
- An inventory or catalog screenshot
- A Rolimons value change notification
- A Rolimons item page or chart
- A text post or meme mentioning item names
- An avatar wearing limited items
- A screenshot of any Roblox-related site or app

For each item, extract:
- "name": the full item name exactly as displayed
- "value": highest numerical value shown (RAP, value, price). 0 if none visible.

Return ONLY a valid JSON array of objects.
Examples:
  [{"name":"Domino Crown","value":24000000}]
  [{"name":"Bighead","value":5000},{"name":"Goldrow","value":316}]

Important:
- Read EXACT item names from the image, do not guess.
- Commas in numbers (4,200,000) become plain numbers (4200000).
- Look everywhere in the image.
- If no items are found, return: []`
